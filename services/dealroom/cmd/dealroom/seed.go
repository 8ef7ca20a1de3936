package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"dealroom/services/dealroom/internal/store"
)

func newSeedCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo deals, messages and notifications into Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("seed: databaseURL is not configured")
			}
			db, err := store.NewGormSource(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			deals := store.FixtureDeals()
			if err := db.Seed(cmd.Context(), store.FixtureUsers(), deals, store.FixtureMessages(), store.FixtureNotifications()); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			slog.Info("seeded fixture data", "deals", len(deals))
			return nil
		},
	}
}
