package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"boorukeep/internal/logger"
	"boorukeep/internal/prioritymonitor"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the watched-directory ingest pipeline without the HTTP API",
	Long: `ingest starts the filesystem watcher and worker pool and blocks until interrupted, without serving the HTTP API. Useful
for a headless ingest-only deployment that feeds a catalog another
process's "serve" reads from.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	if err := a.cache.Init(ctx); err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	if err := a.loadEmbeddingIndex(); err != nil {
		logger.Warn("ingest: failed to load embedding index, starting empty", "error", err)
	}

	if err := prioritymonitor.Check(ctx, a.db, a.rebuild, a.ingest, cfg.Sources.Priority); err != nil {
		logger.Warn("ingest: priority monitor check failed", "error", err)
	}

	if err := a.ingest.Start(ctx); err != nil {
		return fmt.Errorf("start ingest pipeline: %w", err)
	}

	logger.Info("ingest: watching", "image_directory", cfg.Ingest.ImageDirectory, "ingest_directory", cfg.Ingest.IngestDirectory)
	waitForSignal()

	return nil
}
