package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitvox/api/internal/config"
	"gitvox/api/internal/logging"
	"gitvox/api/internal/store"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stdout, cfg.LogLevel)
			ctx := cmd.Context()

			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if down {
				if err := store.RollbackMigrations(ctx, db); err != nil {
					return err
				}
				logger.Info("migrations rolled back")
				return nil
			}
			return store.ApplyMigrations(ctx, db, logger)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll every migration back instead")
	return cmd
}
