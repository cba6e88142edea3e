package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"boorukeep/internal/core"
	"boorukeep/internal/logger"
)

var similarityCmd = &cobra.Command{
	Use:   "similarity",
	Short: "Similarity-subsystem maintenance operations",
}

var similarityRebuildCmd = &cobra.Command{
	Use:   "rebuild-cache",
	Short: "Rebuild the duplicate-pair and top-N similar-images caches",
	Long: `rebuild-cache runs the O(n²) duplicate-pair scan and then the
blended-similarity top-N cache builder, the same two
maintenance jobs the admin UI's "generate hashes" / "rebuild cache"
buttons trigger as background tasks.`,
	RunE: runSimilarityRebuildCache,
}

func init() {
	similarityCmd.AddCommand(similarityRebuildCmd)
	rootCmd.AddCommand(similarityCmd)
}

func runSimilarityRebuildCache(cmd *cobra.Command, args []string) error {
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
		logger.Warn("similarity rebuild-cache: embedding index load failed", "error", err)
	}

	pairs, err := a.similarity.RebuildDuplicatePairCache(ctx, cfg.Similarity.ScanThreshold)
	if err != nil {
		return fmt.Errorf("rebuild duplicate-pair cache: %w", err)
	}
	logger.Info("similarity rebuild-cache: duplicate pairs indexed", "count", pairs)

	err = a.similarity.RebuildSimilarCache(ctx, core.SimilarityBlended, cfg.Similarity.SimilarCacheSize, func(done, total int) {
		if total > 0 && done%500 == 0 {
			logger.Info("similarity rebuild-cache: progress", "done", done, "total", total)
		}
	})
	if err != nil {
		return fmt.Errorf("rebuild similar-images cache: %w", err)
	}

	logger.Info("similarity rebuild-cache: complete")
	return nil
}
