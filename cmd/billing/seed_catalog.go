package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/orionX123/billing/internal/config"
	"github.com/orionX123/billing/internal/connectors/service"
	"github.com/orionX123/billing/internal/db"
)

var seedCatalogCmd = &cobra.Command{
	Use:   "seed-catalog",
	Short: "Upsert the built-in connector types into the catalog.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithOptions(config.LoadOptions{RequireDatabaseURL: true})
		if err != nil {
			return err
		}
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		types, err := service.SeedCatalog(ctx, db.New(pool), reg)
		if err != nil {
			return err
		}
		for _, t := range types {
			slog.Info("connector type seeded", "name", t.Name, "active", t.IsActive)
		}
		return nil
	},
}
