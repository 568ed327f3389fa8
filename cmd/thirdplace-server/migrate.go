package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thirdplace/server/internal/db"
)

func newMigrateCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the sqlite database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env, SkipMigrate: true})
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			pending, err := db.Pending(ctx, sqlDB)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				log.Info("schema up to date", "path", cfg.DBPath)
				return nil
			}
			for _, name := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			if dryRun {
				return nil
			}
			if err := db.Migrate(context.WithoutCancel(ctx), sqlDB); err != nil {
				return err
			}
			log.Info("migrations applied", "count", len(pending), "path", cfg.DBPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}
