package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentflow/backend/internal/config"
	"agentflow/backend/internal/logging"
	"agentflow/backend/internal/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(envFile, configFile)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			if cfg.DB.Driver != "postgres" {
				return fmt.Errorf("migrate requires db.driver postgres, got %q", cfg.DB.Driver)
			}
			logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Pretty)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.NewPostgres(pool).Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("schema migrated", "database", cfg.DB.Name)
			return nil
		},
	}
}
