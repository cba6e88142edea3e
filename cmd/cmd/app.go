package cmd

import (
	"context"
	"fmt"

	"boorukeep/internal/cache"
	"boorukeep/internal/config"
	"boorukeep/internal/dupreview"
	"boorukeep/internal/hashing"
	"boorukeep/internal/ingest"
	"boorukeep/internal/maintenance"
	"boorukeep/internal/persistence"
	"boorukeep/internal/query"
	"boorukeep/internal/rebuild"
	"boorukeep/internal/semantic"
	"boorukeep/internal/similarity"
	"boorukeep/internal/tagrepo"
	"boorukeep/internal/tagsource"
	"boorukeep/internal/tasks"
)

// app collects every wired collaborator a subcommand might need. Not every
// subcommand uses every field; unused services simply go unreferenced.
type app struct {
	cfg *config.Config
	db  persistence.Database

	cache        *cache.Manager
	tasks        *tasks.Manager
	tags         *tagrepo.Service
	implications *tagrepo.ImplicationEngine
	maintenance  *maintenance.Service
	query        *query.Service
	similarity   *similarity.Service
	dupreview    *dupreview.Service
	rebuild      *rebuild.Service
	ingest       *ingest.Service

	embedder semantic.Embedder
	index    *semantic.Index
}

// buildApp wires every domain service from configuration and the catalog
// store, following the same dependency order `internal/server.New` expects
// (store, then caches/indices, then the services that read them, then the
// ingest pipeline, which touches all of the above).
func buildApp(cfg *config.Config) (*app, error) {
	db, err := persistence.Open(cfg.App.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	cacheMgr := cache.NewManager(db, cfg.Query.ImagesPerPage)

	bitLen := hashing.Bits64
	if cfg.Similarity.PHashBits == int(hashing.Bits256) {
		bitLen = hashing.Bits256
	}

	embedder := semantic.StubEmbedder{Dimension: cfg.Similarity.EmbeddingDim}
	index := semantic.NewIndex(cfg.Similarity.EmbeddingDim, 32)

	tagsSvc := tagrepo.NewService(db)
	taskMgr := tasks.NewManager()
	querySvc := query.NewService(db, cacheMgr, cfg.Query.ImagesPerPage, cfg.Query.MaxImagesPerPage)

	simSvc := similarity.NewService(db, embedder, index, bitLen,
		similarity.Weights{
			TagAlpha:      cfg.Similarity.TagAlpha,
			BlendVisual:   cfg.Similarity.BlendVisualWeight,
			BlendTag:      cfg.Similarity.BlendTagWeight,
			BlendSemantic: cfg.Similarity.BlendSemanticWeight,
		},
		cfg.Similarity.ParallelMinSize,
		cfg.Similarity.VisualThreshold,
		similarity.ChannelThresholds{},
	)

	dupSvc := dupreview.NewService(db, cacheMgr, taskMgr,
		dupreview.DiffConfig{
			CanvasSize:     cfg.DuplicateReview.PreviewCanvas,
			PixelThreshold: cfg.DuplicateReview.DiffPixelThreshold,
			NeighborMin:    cfg.DuplicateReview.DiffNeighborMin,
		},
		dupreview.Bounds{Lower: cfg.DuplicateReview.LowerBound, Upper: cfg.DuplicateReview.UpperBound},
		cfg.Ingest.ThumbDirectory,
		cfg.DuplicateReview.CalibrationLogging,
		cfg.DuplicateReview.CalibrationLogPath,
	)

	rebuildSvc := rebuild.NewService(db, tagsSvc, cacheMgr, cfg.Sources.Priority, cfg.Ingest.UseMergedSources)

	implEngine := tagrepo.NewImplicationEngine(db, cfg.Implication.MinCoOccurrence, cfg.Implication.MinConfidence, cfg.Implication.CacheTTL)

	maintSvc := maintenance.NewService(db, tagsSvc, cacheMgr, embedder, index,
		bitLen, cfg.Similarity.EmbeddingDim, cfg.Ingest, cfg.Sources.Priority, tagsource.ParseRaw)

	sources := tagsource.BuildSet(cfg.Sources, maxSourceConcurrency(cfg), nil)
	ingestSvc := ingest.NewService(cfg, db, cacheMgr, sources, embedder, index)

	return &app{
		cfg:          cfg,
		db:           db,
		cache:        cacheMgr,
		tasks:        taskMgr,
		tags:         tagsSvc,
		implications: implEngine,
		maintenance:  maintSvc,
		query:        querySvc,
		similarity:   simSvc,
		dupreview:    dupSvc,
		rebuild:      rebuildSvc,
		ingest:       ingestSvc,
		embedder:     embedder,
		index:        index,
	}, nil
}

func maxSourceConcurrency(cfg *config.Config) int {
	if cfg.Ingest.MaxWorkers > 0 {
		return cfg.Ingest.MaxWorkers
	}
	return 4
}

// loadEmbeddingIndex (re)builds the in-memory ANN index from every
// embedding persisted in the catalog store. Called on startup and after a
// rebuild, mirroring cache.Manager.InvalidateAll's "swap in a freshly
// loaded structure" shape.
func (a *app) loadEmbeddingIndex() error {
	embeddings, err := a.db.Images().AllEmbeddings(context.Background())
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	return a.index.Build(embeddings)
}

func (a *app) close() {
	if a.ingest != nil {
		_ = a.ingest.Stop(a.cfg.Server.ShutdownTimeout)
	}
	if a.tasks != nil {
		a.tasks.Shutdown(a.cfg.Server.ShutdownTimeout)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
