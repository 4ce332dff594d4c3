// TrialGuard - Real-time trial abuse and ROI decisions for SaaS.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/trialguard/internal/api"
	"github.com/opensource-finance/trialguard/internal/bus"
	"github.com/opensource-finance/trialguard/internal/cache"
	"github.com/opensource-finance/trialguard/internal/config"
	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/engine"
	"github.com/opensource-finance/trialguard/internal/feed"
	"github.com/opensource-finance/trialguard/internal/metrics"
	"github.com/opensource-finance/trialguard/internal/realtime"
	"github.com/opensource-finance/trialguard/internal/repository"
	"github.com/opensource-finance/trialguard/internal/rules"
	"github.com/opensource-finance/trialguard/internal/simulation"
	"github.com/opensource-finance/trialguard/internal/summary"
	"github.com/opensource-finance/trialguard/internal/sweeper"
	"github.com/opensource-finance/trialguard/internal/telemetry"
	"github.com/opensource-finance/trialguard/internal/tenantcfg"
	"github.com/opensource-finance/trialguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("trialguard failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	path := os.Getenv(config.EnvPrefix + "CONFIG")
	if path == "" {
		path = "trialguard.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting trialguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_ingest", cfg.Server.AsyncIngest,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	if repo != nil {
		defer repo.Close()
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	if busImpl != nil {
		defer busImpl.Close()
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Tenant configuration
	ruleEngine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	storeOpts := []tenantcfg.Option{tenantcfg.WithLogger(logger)}
	if repo != nil {
		storeOpts = append(storeOpts, tenantcfg.WithPersister(repo))
	}
	configs := tenantcfg.NewStore(ruleEngine, storeOpts...)
	if err := loadTenants(ctx, configs, cfg.Tenants); err != nil {
		return err
	}

	// Decision pipeline
	decisions := feed.New(cfg.Engine.FeedCapacity, cfg.Engine.SubscriberBuffer)
	if err := metrics.RegisterFeedDrops(decisions); err != nil {
		slog.Warn("failed to register feed metrics", "error", err)
	}
	eng := engine.New(configs, decisions, engine.Options{
		MaxAccounts:  cfg.Engine.MaxAccounts,
		BatchWorkers: cfg.Engine.BatchWorkers,
		Logger:       logger,
	})
	agg := summary.New()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := realtime.NewHub(logger)
	go hub.Run(hubCtx)

	sinks := []worker.Sink{
		worker.MetricsSink(),
		worker.SummarySink(agg),
		worker.StreamSink(hub),
		worker.CacheSink(cacheImpl, cfg.Cache.DecisionTTL),
	}
	if repo != nil {
		sinks = append(sinks, worker.RepositorySink(repo))
	}
	if busImpl != nil {
		sinks = append(sinks, worker.BusSink(busImpl))
	}
	dispatcher := worker.NewDispatcher(decisions, sinks, worker.DispatcherConfig{}, logger)
	dispatcher.Start(ctx)

	// Bus ingestion worker
	var ingestWorker *worker.Worker
	if busImpl != nil {
		ingestWorker = worker.NewWorker(busImpl, eng, logger)
		if err := ingestWorker.Start(worker.Config{}); err != nil {
			return fmt.Errorf("failed to start ingestion worker: %w", err)
		}
		slog.Info("ingestion worker started", "topic", domain.TopicEventIngested)
	}

	// Inactive-account sweeper
	var sw *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		sw, err = sweeper.New(eng, cfg.Sweeper.Schedule, sweeper.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to initialize sweeper: %w", err)
		}
		sw.Start()
		slog.Info("sweeper started", "schedule", cfg.Sweeper.Schedule)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, api.Deps{
		Engine:      eng,
		Configs:     configs,
		Feed:        decisions,
		Summary:     agg,
		Hub:         hub,
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		AsyncIngest: cfg.Server.AsyncIngest,
		Version:     Version,
		Logger:      logger,
	}, metricsPath)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("trialguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"tenants", configs.Tenants(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// Stop intake first, then drain what is already in flight.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if ingestWorker != nil {
		if err := ingestWorker.Stop(); err != nil {
			slog.Error("failed to stop ingestion worker", "error", err)
		}
	}
	if sw != nil {
		sw.Stop()
	}
	decisions.Close()
	dispatcher.Stop()
	stopHub()

	slog.Info("trialguard shutdown complete",
		"decisions", decisions.Appended(),
		"delivered", dispatcher.Delivered(),
	)
	return nil
}

// loadTenants restores persisted tenant configs, then seeds the configured
// ones (or the demo tenants) that have none yet.
func loadTenants(ctx context.Context, store *tenantcfg.Store, seeds []domain.TenantConfig) error {
	loaded, err := store.Load(ctx)
	if err != nil {
		return err
	}
	slog.Info("tenant configs restored", "count", loaded)

	if len(seeds) == 0 {
		for _, id := range simulation.DefaultTenants {
			seeds = append(seeds, *domain.DefaultTenantConfig(id))
		}
	}
	for i := range seeds {
		seeded, err := store.Seed(ctx, &seeds[i])
		if err != nil {
			return fmt.Errorf("failed to seed tenant %q: %w", seeds[i].TenantID, err)
		}
		if seeded {
			slog.Info("tenant config seeded", "tenant_id", seeds[i].TenantID)
		}
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |               TRIALGUARD                  |")
	fmt.Println("  |   Trial abuse and ROI decision engine     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /events                  - Evaluate one trial event")
	fmt.Println("    POST /events/batch            - Evaluate a batch of events")
	fmt.Println("    GET  /decisions?since=<seq>   - Poll the decision feed")
	fmt.Println("    GET  /decisions/{id}          - Get a stored decision")
	fmt.Println("    GET  /accounts/{id}           - Account state and latest decision")
	fmt.Println("    GET  /accounts/{id}/decisions - Account decision history")
	fmt.Println("    GET  /config, PUT /config     - Tenant scoring configuration")
	fmt.Println("    GET  /summary                 - Tenant dashboard figures")
	fmt.Println("    GET  /stream                  - WebSocket decision stream")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
