package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gweizero/optimizer/internal/config"
	"github.com/gweizero/optimizer/internal/metrics"
	"github.com/gweizero/optimizer/internal/orchestrator/acceptance"
	"github.com/gweizero/optimizer/internal/orchestrator/bus"
	"github.com/gweizero/optimizer/internal/orchestrator/job"
	"github.com/gweizero/optimizer/internal/orchestrator/optimizer"
	"github.com/gweizero/optimizer/internal/orchestrator/pipeline"
	"github.com/gweizero/optimizer/internal/orchestrator/proof"
	"github.com/gweizero/optimizer/internal/orchestrator/server"
	"github.com/gweizero/optimizer/internal/orchestrator/workerclient"
	"github.com/gweizero/optimizer/internal/solidity"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrchestrator()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if portOverride, _ := cmd.Flags().GetInt("port"); portOverride > 0 {
			cfg.Port = portOverride
		}

		dedupe := buildDedupeMap(cfg)

		b := bus.New[job.ProgressEvent]()
		registry := job.NewRegistry(dedupe, b)

		workerClient := workerclient.New(cfg.WorkerBaseURL, cfg.WorkerPollInterval, cfg.WorkerTimeout)

		aiOptimizer, err := optimizer.New(cfg)
		if err != nil {
			return fmt.Errorf("build optimizer: %w", err)
		}

		validator := acceptance.New(
			workerClient,
			aiOptimizer.NewCorrector(),
			cfg.AcceptanceMaxAttempts,
			cfg.MaxFnRegressionPct,
			cfg.MaxDeployRegressionPct,
		)

		reg := prometheus.DefaultRegisterer
		orchMetrics := metrics.NewOrchestratorMetrics(reg)
		registry.SetMetrics(orchMetrics)
		aiOptimizer.SetMetrics(orchMetrics)
		validator.SetMetrics(orchMetrics)

		p := pipeline.New(registry, solidity.NewRegexParser(), workerClient, aiOptimizer, validator)
		registry.SetPipeline(p)

		proofRegistry := proof.NewRPCRegistry(cfg.ChainRPCURL, cfg.SignerPrivateKey, cfg.RegistryAddress, cfg.ChainID)
		proofBuilder := proof.New(proofRegistry)
		proofSvc := server.NewProofService(registry, proofBuilder)

		stats := metrics.NewReporter(registry)

		srv := server.New(cfg.Port, registry, proofSvc, stats)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Printf("orchestrator configured: worker=%s providers=%d port=%d", cfg.WorkerBaseURL, len(cfg.Providers), cfg.Port)
		return srv.ListenAndServe(ctx)
	},
}

// buildDedupeMap wires a Redis-backed dedupe map when REDIS_URL is
// configured, falling back to the in-memory implementation otherwise.
func buildDedupeMap(cfg *config.Orchestrator) job.DedupeMap {
	if cfg.RedisURL == "" {
		log.Println("[orchestrator] REDIS_URL unset, using in-memory dedupe map")
		return job.NewInMemoryDedupeMap(cfg.DedupeTTL)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("[orchestrator] invalid REDIS_URL (%v), falling back to in-memory dedupe map", err)
		return job.NewInMemoryDedupeMap(cfg.DedupeTTL)
	}
	client := redis.NewClient(opts)
	return job.NewRedisDedupeMap(client, cfg.DedupeTTL)
}
