package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the catalog store's schema",
	Long: `migrate opens the SQLite catalog store, running schema creation and
the incremental ALTER TABLE migrations (internal/persistence/sqlite.go)
before exiting. Every other subcommand does this implicitly on startup;
migrate exists so a deployment can run it as a separate step ahead of
starting the server.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := persistence.Open(cfg.App.DataDir)
	if err != nil {
		return fmt.Errorf("open catalog store: %w", err)
	}
	defer db.Close()

	logger.Info("migrate: schema up to date", "data_dir", cfg.App.DataDir)
	return nil
}
