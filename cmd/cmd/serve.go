package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"boorukeep/internal/logger"
	"boorukeep/internal/monitorlog"
	"boorukeep/internal/prioritymonitor"
	"boorukeep/internal/server"
)

var serveTUI bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest pipeline and HTTP API server",
	Long: `serve wires the catalog store, the ingestion pipeline, and every
domain service, runs the startup priority-change check, then starts the filesystem watcher and the HTTP API
until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "show the live monitor-log tail instead of blocking silently")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ringBuf := monitorlog.NewBuffer(cfg.Logging.RingBufferLen)
	logger.InitWithHandler(monitorlog.NewHandler(defaultSlogHandler(cfg), ringBuf))

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.cache.Init(ctx); err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	if err := a.loadEmbeddingIndex(); err != nil {
		logger.Warn("serve: failed to load embedding index, starting empty", "error", err)
	}

	if err := prioritymonitor.Check(ctx, a.db, a.rebuild, a.ingest, cfg.Sources.Priority); err != nil {
		logger.Warn("serve: priority monitor check failed", "error", err)
	}

	if err := a.ingest.Start(ctx); err != nil {
		return fmt.Errorf("start ingest pipeline: %w", err)
	}

	srv := server.New(server.Deps{
		DB:               a.db,
		Cache:            a.cache,
		Query:            a.query,
		Similarity:       a.similarity,
		Dupreview:        a.dupreview,
		Tags:             a.tags,
		Implications:     a.implications,
		Maintenance:      a.maintenance,
		Ingest:           a.ingest,
		Rebuild:          a.rebuild,
		Tasks:            a.tasks,
		Logs:             ringBuf,
		Priority:         cfg.Sources.Priority,
		SimilarCacheSize: cfg.Similarity.SimilarCacheSize,
	}, cfg.Auth, cfg.Server)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Start()
	}()

	if serveTUI {
		if err := monitorlog.Follow(ringBuf); err != nil {
			logger.Warn("serve: monitor tail exited with error", "error", err)
		}
	} else {
		waitForSignal()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("serve: http shutdown error", "error", err)
	}

	select {
	case err := <-serverErrCh:
		if err != nil {
			logger.Warn("serve: http server returned error", "error", err)
		}
	case <-time.After(time.Second):
	}

	return nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
