// Package config loads the environment-variable configuration
// recognized by both processes. Dotenv-style file loading is left to
// the deployment environment; this package only reads os.Getenv and
// applies defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Orchestrator holds the orchestrator process's configuration.
type Orchestrator struct {
	WorkerBaseURL      string
	WorkerPollInterval time.Duration
	WorkerTimeout      time.Duration
	DedupeTTL          time.Duration
	RedisURL           string

	MaxOptimizerCycles     int
	ProviderRetries        int
	RetryBaseDelay         time.Duration
	AcceptanceMaxAttempts  int
	MaxFnRegressionPct     float64
	MaxDeployRegressionPct float64

	Providers []ProviderConfig

	ChainRPCURL      string
	SignerPrivateKey string
	RegistryAddress  string
	ChainID          int64

	Port int
}

// ProviderConfig is one AI provider's credentials and ordered model
// list. Provider order is fallback priority order.
type ProviderConfig struct {
	Name   string // anthropic|openai|ollama
	APIKey string
	Models []string
}

// Worker holds the gas-measurement worker process's configuration.
type Worker struct {
	Port         int
	DatabaseURL  string
	PGSSLMode    string
	EstimatorBin string
	BuildRoot    string
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDurationMs(key string, defMs int) time.Duration {
	return time.Duration(getEnvInt(key, defMs)) * time.Millisecond
}

// LoadOrchestrator reads the orchestrator's configuration from the
// environment.
func LoadOrchestrator() (*Orchestrator, error) {
	cfg := &Orchestrator{
		WorkerBaseURL:          getEnv("WORKER_BASE_URL", "http://localhost:8081"),
		WorkerPollInterval:     getEnvDurationMs("WORKER_POLL_INTERVAL_MS", 1000),
		WorkerTimeout:          getEnvDurationMs("WORKER_TIMEOUT_MS", 180000),
		DedupeTTL:              getEnvDurationMs("ANALYSIS_JOB_DEDUPE_TTL_MS", 600000),
		RedisURL:               getEnv("REDIS_URL", ""),
		MaxOptimizerCycles:     getEnvInt("AI_MAX_OPTIMIZER_CYCLES", 2),
		ProviderRetries:        getEnvInt("AI_PROVIDER_RETRIES", 2),
		RetryBaseDelay:         getEnvDurationMs("AI_RETRY_BASE_DELAY_MS", 600),
		AcceptanceMaxAttempts:  getEnvInt("AI_ACCEPTANCE_MAX_ATTEMPTS", 3),
		MaxFnRegressionPct:     getEnvFloat("AI_MAX_ALLOWED_REGRESSION_PCT", 10),
		MaxDeployRegressionPct: getEnvFloat("AI_MAX_DEPLOYMENT_REGRESSION_PCT", 20),
		ChainRPCURL:            getEnv("CHAIN_RPC_URL", ""),
		SignerPrivateKey:       getEnv("BACKEND_SIGNER_PRIVATE_KEY", ""),
		RegistryAddress:        getEnv("GAS_OPTIMIZATION_REGISTRY_ADDRESS", ""),
		ChainID:                int64(getEnvInt("CHAIN_ID", 1)),
		Port:                   getEnvInt("ORCHESTRATOR_PORT", 8080),
	}

	cfg.Providers = loadProviders()

	if err := validateOrchestrator(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadProviders reads AI_PROVIDERS (comma-separated provider names in
// priority order) and, per provider, "<NAME>_API_KEY" / "<NAME>_MODELS"
// (comma-separated). Unset AI_PROVIDERS defaults to "anthropic,openai".
func loadProviders() []ProviderConfig {
	names := strings.Split(getEnv("AI_PROVIDERS", "anthropic,openai"), ",")
	providers := make([]ProviderConfig, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		upper := strings.ToUpper(name)
		models := strings.Split(getEnv(upper+"_MODELS", defaultModelFor(name)), ",")
		for i := range models {
			models[i] = strings.TrimSpace(models[i])
		}
		providers = append(providers, ProviderConfig{
			Name:   name,
			APIKey: os.Getenv(upper + "_API_KEY"),
			Models: models,
		})
	}
	return providers
}

func defaultModelFor(name string) string {
	switch name {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai":
		return "gpt-4o"
	case "ollama":
		return "qwen2.5-coder"
	default:
		return ""
	}
}

// validateOrchestrator checks the config for completeness,
// accumulating every problem before reporting.
func validateOrchestrator(cfg *Orchestrator) error {
	var errs []string
	if cfg.WorkerBaseURL == "" {
		errs = append(errs, "config: WORKER_BASE_URL is required")
	}
	if len(cfg.Providers) == 0 {
		errs = append(errs, "config: at least one AI provider must be configured")
	}
	if cfg.MaxOptimizerCycles < 1 {
		errs = append(errs, "config: AI_MAX_OPTIMIZER_CYCLES must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LoadWorker reads the worker's configuration from the environment.
func LoadWorker() (*Worker, error) {
	cfg := &Worker{
		Port:         getEnvInt("WORKER_PORT", 8081),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		PGSSLMode:    getEnv("PGSSLMODE", ""),
		EstimatorBin: getEnv("GAS_ESTIMATOR_BIN", "gas-estimator"),
		BuildRoot:    getEnv("WORKER_BUILD_ROOT", os.TempDir()),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	return cfg, nil
}
