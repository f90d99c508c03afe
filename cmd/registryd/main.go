// Command registryd is a demo harness wiring the registry, archival
// manager, retention sweeper, and timer wheel together over a
// configurable storage backend, in the style of the teacher's
// multicast-registry-runner: flag-parsed config path, YAML load,
// signal-driven graceful shutdown. There is no network control plane
// here; every component is wired in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pialmmh/statemachine/internal/archival"
	"github.com/pialmmh/statemachine/internal/config"
	"github.com/pialmmh/statemachine/internal/examplefsm"
	"github.com/pialmmh/statemachine/internal/notify"
	"github.com/pialmmh/statemachine/internal/observability"
	"github.com/pialmmh/statemachine/internal/registry"
	"github.com/pialmmh/statemachine/internal/retention"
	"github.com/pialmmh/statemachine/internal/store"
	"github.com/pialmmh/statemachine/internal/store/memstore"
	"github.com/pialmmh/statemachine/internal/store/postgres"
	"github.com/pialmmh/statemachine/internal/store/redis"
	"github.com/pialmmh/statemachine/internal/store/sqlite"
	"github.com/pialmmh/statemachine/internal/timerwheel"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to registry configuration YAML file (defaults to the built-in demo config)")
		natsURL    = flag.String("nats-addr", "", "Optional NATS server address for archival-completion notifications")
		verbose    = flag.Bool("v", false, "Verbose (debug) logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs := observability.New(observability.DefaultConfig(cfg.Registry.ID), logger)
	if err := obs.Initialize(ctx); err != nil {
		logger.Error("failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	activeStore, err := buildActiveStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build active store", "error", err)
		os.Exit(1)
	}
	defer activeStore.Close()

	historyStore, err := buildHistoryStore(cfg)
	if err != nil {
		logger.Error("failed to build history store", "error", err)
		os.Exit(1)
	}
	defer historyStore.Close()

	var archivalOpts []archival.Option
	archivalOpts = append(archivalOpts, archival.WithLogger(logger))
	if *natsURL != "" {
		notifier, err := notify.NewNATSNotifier(cfg.Registry.ID, []string{*natsURL})
		if err != nil {
			logger.Warn("failed to connect archival notifier, continuing without it", "error", err)
		} else {
			archivalOpts = append(archivalOpts, archival.WithNotifier(notifier))
			defer notifier.Close()
		}
	}

	archivalMgr := archival.New(archival.Config{
		Workers:       cfg.Archival.Workers,
		QueueCapacity: cfg.Archival.QueueCapacity,
		MaxRetries:    cfg.Archival.MaxRetries,
		BackoffBase:   cfg.Archival.BackoffBase,
	}, activeStore, historyStore, archivalOpts...)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := archivalMgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("archival shutdown failed", "error", err)
		}
	}()

	reg := registry.New(cfg.Registry.ID, activeStore, historyStore,
		registry.WithIdleTTL(cfg.Registry.IdleTTL),
		registry.WithLogger(logger),
		registry.WithArchiveNotifier(archivalMgr),
	)
	defer reg.Close()

	finalStates := []string{examplefsm.StateDisconnected}
	if moved, err := archivalMgr.MoveAllFinishedMachines(ctx, finalStates); err != nil {
		logger.Error("startup reconciliation scan failed", "error", err)
	} else if moved > 0 {
		logger.Info("startup reconciliation moved finished machines to history", "count", moved)
	}

	retentionMgr := retention.New(historyStore, cfg.Retention.Days, retention.WithLogger(logger))
	go retentionMgr.Run(ctx)
	defer retentionMgr.Stop()

	wheel := timerwheel.New(cfg.Timer.TickPeriod, logger)
	go wheel.Run(ctx)
	defer wheel.Stop()

	factory := examplefsm.NewFactory(logger)
	demoID := "demo-call-1"
	inst, err := reg.CreateOrGet(ctx, demoID, factory)
	if err != nil {
		logger.Error("failed to create demo machine", "error", err)
		os.Exit(1)
	}
	wheel.Register(demoID, inst)

	logger.Info("registry running", "registry_id", cfg.Registry.ID, "demo_machine", demoID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
}

func buildActiveStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.SnapshotStore, error) {
	shard := activeShard(cfg)
	switch shard.Type {
	case "", "memstore":
		return memstore.NewSnapshotStore(), nil
	case "postgres", "postgresql":
		return postgres.Open(ctx, postgres.ShardConfig{
			DatabaseURL:        postgresURL(shard),
			ConnectionPoolSize: shard.ConnectionPoolSize,
		}, logger)
	case "redis":
		return redis.Open(ctx, redis.Config{
			Address:  fmt.Sprintf("%s:%d", shard.Host, shard.Port),
			Password: shard.Password,
			PoolSize: shard.ConnectionPoolSize,
		})
	default:
		return nil, fmt.Errorf("registryd: unsupported active shard type %q", shard.Type)
	}
}

func buildHistoryStore(cfg *config.Config) (store.HistoryStore, error) {
	for _, shard := range cfg.Shards {
		if shard.Type == "sqlite" && shard.Enabled {
			return sqlite.Open(shard.Database)
		}
	}
	return memstore.NewHistoryStore(), nil
}

func activeShard(cfg *config.Config) config.ShardConfig {
	for _, shard := range cfg.Shards {
		if shard.Enabled && shard.Type != "sqlite" {
			return shard
		}
	}
	return config.ShardConfig{Type: "memstore", Enabled: true}
}

func postgresURL(shard config.ShardConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", shard.Username, shard.Password, shard.Host, shard.Port, shard.Database)
}
