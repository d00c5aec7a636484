package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/config"
	"github.com/roadsight/blurpipe/pkg/metadata"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the metadata database.

This command applies pending schema migrations to the configured metadata
database. PostgreSQL uses versioned SQL migrations; SQLite databases are
migrated automatically at startup and need this command only to verify
connectivity.

Examples:
  # Run migrations with default config
  blurpipe migrate

  # Run migrations with custom config
  blurpipe migrate --config /etc/blurpipe/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("Running database migrations", "type", cfg.Database.Type)

	if cfg.Database.Type == "postgres" {
		if err := metadata.MigratePostgres(cfg.Database.URL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Opening the store applies SQLite auto-migration and verifies the
	// schema either way.
	store, err := metadata.NewGormStore(cfg.Database.StoreConfig())
	if err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.HealthCheck(context.Background()); err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (database type: %s)\n", cfg.Database.Type)
	return nil
}
