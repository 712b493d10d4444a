package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vjranagit/anomalyd/internal/config"
	"github.com/vjranagit/anomalyd/internal/logging"
	"github.com/vjranagit/anomalyd/internal/metrics"
	"github.com/vjranagit/anomalyd/pkg/detector"
	"github.com/vjranagit/anomalyd/pkg/promclient"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "anomalyd",
		Short: "Seasonal baseline and metrics rule anomaly detector",
		Long: `anomalyd learns seasonal baselines for reported event streams and
evaluates threshold rules against a Prometheus-compatible backend.

  anomalyd serve           Run the HTTP API
  anomalyd check [--json]  Evaluate the configured rules once
  anomalyd query <expr>    Run an instant query through the resilient client`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newQueryCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "anomalyd %s\n", version)
		},
	}
}

// loadConfig reads the configuration and builds the logger it describes
func loadConfig() (*config.Manager, *config.Config, *zap.Logger, error) {
	mgr := config.NewManager(configPath, nil)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	logCfg := cfg.Logging
	if debug {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	mgr.SetLogger(logger.Named("config"))
	return mgr, cfg, logger, nil
}

// newEngine builds the query client and a rule engine loaded with the
// configured rules. The cache is nil unless prometheus.cache_ttl is set.
func newEngine(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*promclient.Client, *promclient.ResponseCache, *detector.Engine, error) {
	client, err := promclient.New(cfg.Prometheus.Config,
		promclient.WithLogger(logger.Named("promclient")),
		promclient.WithMetrics(m))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create query client: %w", err)
	}

	var (
		q     detector.Querier = client
		cache *promclient.ResponseCache
	)
	if cfg.Prometheus.CacheTTL > 0 {
		cq := promclient.NewCachedQuerier(client, cfg.Prometheus.CacheCapacity, cfg.Prometheus.CacheTTL, m)
		q, cache = cq, cq.Cache()
	}

	engine := detector.NewEngine(q,
		detector.WithLogger(logger.Named("detector")),
		detector.WithMetrics(m),
		detector.WithConcurrency(cfg.Detector.EvaluationConcurrency))
	syncRules(engine, cfg, logger)
	return client, cache, engine, nil
}

// syncRules adds configured rules and updates those already registered.
// Rules created through the API are left alone.
func syncRules(engine *detector.Engine, cfg *config.Config, logger *zap.Logger) {
	for _, rule := range cfg.Rules {
		var err error
		if _, ok := engine.GetRule(rule.Name); ok {
			err = engine.UpdateRule(rule)
		} else {
			err = engine.AddRule(rule)
		}
		if err != nil {
			logger.Warn("skipping rule", zap.String("rule", rule.Name), zap.Error(err))
		}
	}
}
