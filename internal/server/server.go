// Package server implements the HTTP surface as a thin
// delegating layer over the catalog store and the domain services: every
// handler parses its request, calls one service method, and writes the
// result. It owns no business logic of its own.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"boorukeep/internal/cache"
	"boorukeep/internal/config"
	"boorukeep/internal/dupreview"
	"boorukeep/internal/ingest"
	"boorukeep/internal/logger"
	"boorukeep/internal/maintenance"
	"boorukeep/internal/monitorlog"
	"boorukeep/internal/persistence"
	"boorukeep/internal/query"
	"boorukeep/internal/rebuild"
	"boorukeep/internal/similarity"
	"boorukeep/internal/tagrepo"
	"boorukeep/internal/tasks"
)

// Server wires the HTTP surface to the domain services.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	log        *slog.Logger

	db         persistence.Database
	cache      *cache.Manager
	query      *query.Service
	similarity *similarity.Service
	dupreview  *dupreview.Service
	tags       *tagrepo.Service
	implications *tagrepo.ImplicationEngine
	maintenance  *maintenance.Service
	ingest     *ingest.Service
	rebuildSvc *rebuild.Service
	tasks      *tasks.Manager
	logs       *monitorlog.Buffer

	auth config.Auth
	cfg  config.Server

	priority         []string
	similarCacheSize int
}

// Deps collects every service a handler might delegate to. Any field may be
// left nil if the corresponding route group is never registered.
type Deps struct {
	DB         persistence.Database
	Cache      *cache.Manager
	Query      *query.Service
	Similarity *similarity.Service
	Dupreview  *dupreview.Service
	Tags       *tagrepo.Service
	Implications *tagrepo.ImplicationEngine
	Maintenance  *maintenance.Service
	Ingest     *ingest.Service
	Rebuild    *rebuild.Service
	Tasks      *tasks.Manager
	Logs             *monitorlog.Buffer
	Priority         []string
	SimilarCacheSize int
}

// New constructs the HTTP server and wires its route table.
func New(deps Deps, authCfg config.Auth, serverCfg config.Server) *Server {
	similarCacheSize := deps.SimilarCacheSize
	if similarCacheSize <= 0 {
		similarCacheSize = 50
	}
	s := &Server{
		similarCacheSize: similarCacheSize,
		router:     chi.NewRouter(),
		log:        logger.Get(),
		db:         deps.DB,
		cache:      deps.Cache,
		query:      deps.Query,
		similarity: deps.Similarity,
		dupreview:  deps.Dupreview,
		tags:       deps.Tags,
		implications: deps.Implications,
		maintenance:  deps.Maintenance,
		ingest:     deps.Ingest,
		rebuildSvc: deps.Rebuild,
		tasks:      deps.Tasks,
		logs:       deps.Logs,
		auth:       authCfg,
		cfg:        serverCfg,
		priority:   deps.Priority,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port),
		Handler:      s.router,
		ReadTimeout:  serverCfg.ReadTimeout,
		WriteTimeout: serverCfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.cfg.CORS.Enabled {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Mutation-Secret"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/images", s.handleSearchImages)
		r.Post("/edit_tags", s.requireMutation(s.handleEditTags))
		r.Post("/delete_image", s.requireMutation(s.handleDeleteImage))
		r.Post("/delete_images_bulk", s.requireMutation(s.handleDeleteImagesBulk))
		r.Post("/switch_source", s.requireMutation(s.handleSwitchSource))
		r.Post("/clear_deltas", s.requireMutation(s.handleClearDeltas))
		r.Post("/retry_tagging", s.requireMutation(s.handleRetryTagging))
		r.Post("/bulk_retry_tagging", s.requireMutation(s.handleBulkRetryTagging))

		r.Get("/image/{filepath}/stats", s.handleImageStats)
		r.Get("/image/{filepath}/deltas", s.handleImageDeltas)
		r.Get("/image/{filepath}/pools", s.handleImagePools)
		r.Get("/image/{filepath}/similar", s.handleImageSimilar)
		r.Get("/image/{filepath}/relations", s.handleImageRelations)

		r.Post("/tags/rename", s.requireMutation(s.handleRenameTag))
		r.Post("/tags/merge", s.requireMutation(s.handleMergeTags))
		r.Post("/tags/delete", s.requireMutation(s.handleDeleteTag))
		r.Post("/tag_categorize/set", s.requireMutation(s.handleCategorizeTag))
		r.Post("/tag_categorize/auto", s.requireMutation(s.handleAutoCategorize))

		r.Get("/similar/{filepath}", s.handleVisualSimilar)
		r.Get("/similar-semantic/{filepath}", s.handleSemanticSimilar)
		r.Get("/similar-blended/{filepath}", s.handleBlendedSimilar)
		r.Get("/duplicates", s.handleLiveDuplicates)
		r.Get("/similarity/stats", s.handleSimilarityStats)
		r.Post("/similarity/generate-hashes", s.requireMutation(s.handleGenerateHashes))
		r.Post("/similarity/rebuild-cache", s.requireMutation(s.handleRebuildSimilarityCache))

		r.Get("/implications/suggestions", s.handleImplicationSuggestions)
		r.Get("/implications/all", s.handleListImplications)
		r.Get("/implications/for-tag/{name}", s.handleImplicationsForTag)
		r.Get("/implications/chain/{name}", s.handleImplicationChain)
		r.Post("/implications/approve", s.requireMutation(s.handleApproveImplication))
		r.Post("/implications/create", s.requireMutation(s.handleApproveImplication))
		r.Post("/implications/delete", s.requireMutation(s.handleDeleteImplication))
		r.Post("/implications/bulk-approve", s.requireMutation(s.handleBulkApprove))
		r.Post("/implications/auto-approve-pattern", s.requireMutation(s.handleAutoApprovePattern))
		r.Post("/implications/auto-approve-confident", s.requireMutation(s.handleAutoApproveConfident))
		r.Post("/implications/batch_apply", s.requireMutation(s.handleBatchApplyImplications))
		r.Post("/implications/clear-and-reapply", s.requireMutation(s.handleClearAndReapplyImplications))
		r.Post("/implications/clear-tags", s.requireMutation(s.handleClearImplicationTags))
		r.Post("/implications/preview", s.handlePreviewImplication)

		r.Get("/duplicate-review/cache-stats", s.handleDupCacheStats)
		r.Post("/duplicate-review/scan", s.requireMutation(s.handleDupScan))
		r.Get("/duplicate-review/queue", s.handleDupQueue)
		r.Post("/duplicate-review/commit", s.requireMutation(s.handleDupCommit))

		r.Post("/system/scan", s.requireMutation(s.handleSystemScan))
		r.Post("/system/rebuild", s.requireMutation(s.handleSystemRebuild))
		r.Post("/system/rebuild_categorized", s.requireMutation(s.handleSystemRebuildCategorized))
		r.Post("/system/recategorize", s.requireMutation(s.handleSystemRecategorize))
		r.Post("/system/thumbnails", s.requireMutation(s.handleSystemThumbnails))
		r.Post("/system/reindex", s.requireMutation(s.handleSystemReindex))
		r.Post("/system/deduplicate", s.requireMutation(s.handleSystemDeduplicate))
		r.Post("/system/clean_orphans", s.requireMutation(s.handleSystemCleanOrphans))
		r.Post("/system/apply_merged_sources", s.requireMutation(s.handleSystemApplyMergedSources))
		r.Post("/system/recount_tags", s.requireMutation(s.handleSystemRecountTags))
		r.Get("/system/broken_images", s.handleSystemBrokenImages)
		r.Post("/system/broken_images", s.requireMutation(s.handleSystemBrokenImageAction))
		r.Post("/system/monitor/start", s.requireMutation(s.handleMonitorStart))
		r.Post("/system/monitor/stop", s.requireMutation(s.handleMonitorStop))
		r.Get("/system/status", s.handleSystemStatus)
		r.Get("/system/logs", s.handleSystemLogs)
		r.Get("/task_status", s.handleTaskStatus)
	})
}

// requireMutation enforces the shared mutation secret on state-changing endpoints when one is configured.
func (s *Server) requireMutation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.MutationSecret != "" {
			got := r.Header.Get("X-Mutation-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.auth.MutationSecret)) != 1 {
				writeError(w, fmt.Errorf("mutation secret mismatch"), 403)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
