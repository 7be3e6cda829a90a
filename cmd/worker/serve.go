package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gweizero/optimizer/internal/config"
	"github.com/gweizero/optimizer/internal/metrics"
	"github.com/gweizero/optimizer/internal/worker/persistence"
	"github.com/gweizero/optimizer/internal/worker/server"
	"github.com/gweizero/optimizer/internal/worker/store"
	"github.com/gweizero/optimizer/internal/worker/subprocess"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if portOverride, _ := cmd.Flags().GetInt("port"); portOverride > 0 {
			cfg.Port = portOverride
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := persistence.Open(ctx, cfg.DatabaseURL, cfg.PGSSLMode)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		runner := subprocess.New(cfg.EstimatorBin, cfg.BuildRoot)

		workerMetrics := metrics.NewWorkerMetrics(prometheus.DefaultRegisterer)
		runner.SetMetrics(workerMetrics)

		st := store.New(db, runner)
		st.SetMetrics(workerMetrics)
		defer st.Shutdown()

		if err := st.Recover(ctx); err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}

		srv := server.New(cfg.Port, st)

		log.Printf("worker configured: estimator=%s buildRoot=%s port=%d", cfg.EstimatorBin, cfg.BuildRoot, cfg.Port)
		return srv.ListenAndServe(ctx)
	},
}
