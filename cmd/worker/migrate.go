package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/gweizero/optimizer/internal/config"
	"github.com/gweizero/optimizer/internal/worker/persistence"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the analysis_jobs table and indexes if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := context.Background()
		db, err := persistence.Open(ctx, cfg.DatabaseURL, cfg.PGSSLMode)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		log.Println("schema is up to date")
		return nil
	},
}
