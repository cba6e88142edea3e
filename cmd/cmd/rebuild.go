package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"boorukeep/internal/logger"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Force a full catalog rebuild from retained raw metadata",
	Long: `rebuild clears the normalized tag relation, source set, and tags
table, re-derives everything from each image's retained raw metadata
honoring the current BOORU_PRIORITY, and replays the delta journal to
restore manual edits. Unlike the priority monitor's
startup check, this always runs regardless of whether the priority list
changed.`,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
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

	stats, err := a.rebuild.Run(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	logger.Info("rebuild: complete",
		"images_reinserted", stats.ImagesReinserted,
		"images_skipped", stats.ImagesSkipped,
		"tags_recategorized", stats.TagsRecategorized,
		"deltas_replayed", stats.DeltasReplayed,
	)
	return nil
}
