package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/anomalyd/internal/config"
	"github.com/vjranagit/anomalyd/internal/metrics"
	"github.com/vjranagit/anomalyd/pkg/api"
	"github.com/vjranagit/anomalyd/pkg/detector"
	"github.com/vjranagit/anomalyd/pkg/storage"
	"github.com/vjranagit/anomalyd/pkg/tracker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API in the foreground. Stream windows and baselines are
restored from and periodically saved to the snapshot store when storage is
enabled. Baseline sensitivity and learning rate follow config file edits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	mgr, cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting anomalyd",
		zap.String("version", version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("prometheus", cfg.Prometheus.Endpoint),
		zap.Int("rules", len(cfg.Rules)),
		zap.Bool("storage", cfg.Storage.Enabled))

	m := metrics.New(prometheus.DefaultRegisterer)

	client, cache, engine, err := newEngine(cfg, logger, m)
	if err != nil {
		return err
	}

	trackerCfg, err := cfg.TrackerConfig()
	if err != nil {
		return err
	}
	trackerOpts := []tracker.Option{
		tracker.WithLogger(logger.Named("tracker")),
		tracker.WithMetrics(m),
	}

	var store storage.SnapshotStore
	if cfg.Storage.Enabled {
		store, err = storage.NewBadgerStore(cfg.ToStorageConfig(), logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		defer store.Close()
		trackerOpts = append(trackerOpts, tracker.WithStore(store))
	}

	tr := tracker.New(trackerCfg, trackerOpts...)
	if store != nil {
		n, err := tr.Restore(ctx, store)
		if err != nil {
			logger.Warn("partial snapshot restore", zap.Error(err))
		}
		logger.Info("restored streams", zap.Int("count", n))
	}

	srv := api.NewServer(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Version:      version,
	}, engine, tr,
		api.WithLogger(logger.Named("api")),
		api.WithMetrics(m),
		api.WithClient(client),
		api.WithCache(cache))

	mgr.Watch(func(old, updated *config.Config) {
		applyConfig(old, updated, engine, tr, logger)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if store != nil {
		g.Go(func() error {
			snapshotLoop(gctx, tr, store, cfg.Storage.SnapshotInterval, logger)
			return nil
		})
	}

	err = g.Wait()

	if store != nil {
		// the serve context is already cancelled here
		snapCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if serr := tr.Snapshot(snapCtx, store); serr != nil {
			logger.Error("final snapshot failed", zap.Error(serr))
		} else {
			logger.Info("final snapshot saved", zap.Int("streams", len(tr.Streams())))
		}
	}

	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// snapshotLoop saves every stream at a fixed interval until ctx is done
func snapshotLoop(ctx context.Context, tr *tracker.Tracker, store storage.SnapshotStore, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tr.Snapshot(ctx, store); err != nil {
				logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// applyConfig pushes live-tunable settings from a reloaded config file
func applyConfig(old, updated *config.Config, engine *detector.Engine, tr *tracker.Tracker, logger *zap.Logger) {
	changed, restart := config.LiveChanges(old, updated)
	for _, key := range changed {
		switch key {
		case "baseline.sensitivity":
			tr.SetSensitivity(updated.Baseline.Sensitivity)
		case "baseline.learning_rate":
			tr.SetLearningRate(updated.Baseline.LearningRate)
		}
		logger.Info("applied config change", zap.String("key", key))
	}
	syncRules(engine, updated, logger)

	if restart {
		logger.Warn("configuration changes outside baseline tuning and rules require a restart")
	}
}
