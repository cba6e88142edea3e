package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"boorukeep/internal/logger"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Sweep the watched directories for files missing from the catalog",
	Long: `scan enumerates IMAGE_DIRECTORY and INGEST_DIRECTORY, queues every
file the catalog does not already know about onto the worker pool, and
exits once the sweep completes.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
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

	// Start launches the worker pool and performs the startup sweep; Stop
	// then closes the job queue and waits for every already-queued
	// artifact to finish before this one-shot command exits, rather than
	// leaving the watcher running in the background.
	if err := a.ingest.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	stopErr := a.ingest.Stop(cfg.Server.ShutdownTimeout)
	a.ingest = nil // already stopped; app.close must not stop it again
	if stopErr != nil {
		return fmt.Errorf("drain sweep: %w", stopErr)
	}

	logger.Info("scan: sweep complete")
	return nil
}
