package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/taahir-samaai/rpa-orchestrator/internal/auth"
	"github.com/taahir-samaai/rpa-orchestrator/internal/callback"
	"github.com/taahir-samaai/rpa-orchestrator/internal/config"
	"github.com/taahir-samaai/rpa-orchestrator/internal/db"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/worker"
	httpx "github.com/taahir-samaai/rpa-orchestrator/internal/http"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
	"github.com/taahir-samaai/rpa-orchestrator/internal/orchestrator"
	"github.com/taahir-samaai/rpa-orchestrator/internal/queue/redisclient"
	"github.com/taahir-samaai/rpa-orchestrator/internal/repo/postgres"
	"github.com/taahir-samaai/rpa-orchestrator/internal/security"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if err := cfg.Validate("orchestrator"); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	// Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// tracing first so spans/logs can attach
	shutdownTracer, err := observability.InitTracer(context.Background(), "rpa-orchestrator", os.Getenv("OTEL_ENDPOINT"))
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := observability.NewLogger(cfg.Env)
	logger := slog.New(observability.NewTraceHandler(base.Handler()))
	slog.SetDefault(logger)

	pool, err := db.NewPool(cfg.DBURL)

	if err != nil {
		logger.Error("db connection failed", "err", err)
		os.Exit(1)
	}

	defer pool.Close()

	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = db.EnsureSchema(schemaCtx, pool)
	cancel()

	if err != nil {
		logger.Error("schema bootstrap failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	redis := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redis.Close()

	// repositories
	jobsRepo := postgres.NewJobsRepo(pool, prom)
	evidenceRepo := postgres.NewEvidenceRepo(pool, prom)
	workersRepo := postgres.NewWorkersRepo(pool, prom)
	metricsRepo := postgres.NewMetricsRepo(pool, prom)

	// worker registry, seeded from config and persisted
	registry := orchestrator.NewRegistry(cfg.Workers, cfg.DegradedAfter)

	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	for _, ep := range cfg.Workers {
		if err := workersRepo.Upsert(seedCtx, worker.Worker{Endpoint: ep, Health: worker.HealthOffline}); err != nil {
			logger.Error("worker seed failed", "endpoint", ep, "err", err)
		}
	}
	cancel()

	client := orchestrator.NewHTTPWorkerClient(cfg.WorkerCallTimeout)

	// upstream callbacks
	sender := callback.NewProtectedSender(
		callback.NewHTTPSender(cfg.WorkerCallTimeout),
		callback.ProtectedSenderConfig{},
	)

	reporter := callback.NewReporter(jobsRepo, sender, prom, callback.ReporterConfig{
		UpstreamURL:  cfg.UpstreamURL,
		MaxAttempts:  cfg.CallbackMaxAttempts,
		MaxBodyBytes: cfg.CallbackMaxBodyBytes,
	})

	go reporter.Run(ctx)

	retryEngine := orchestrator.NewRetryEngine(jobsRepo, client, registry, reporter, prom, orchestrator.RetryConfig{
		Base:           cfg.RetryBase,
		Cap:            cfg.RetryCap,
		StaleThreshold: cfg.StaleThreshold,
	})

	dispatcher := orchestrator.NewDispatcher(jobsRepo, registry, client, prom, orchestrator.DispatcherConfig{
		RefusalBackoff: cfg.DispatchBackoff,
	})

	poller := orchestrator.NewPoller(jobsRepo, evidenceRepo, client, registry, retryEngine, reporter, prom, orchestrator.PollerConfig{
		LostThreshold: cfg.LostThreshold,
		CallTimeout:   cfg.WorkerCallTimeout,
	})

	collector := orchestrator.NewCollector(jobsRepo, registry, metricsRepo, 0)

	prober := orchestrator.NewHealthProber(registry, client, workersRepo, redis, cfg.HealthInterval)

	// the scheduler owns all periodic work
	scheduler := orchestrator.NewScheduler(15 * time.Second)

	scheduler.Register("queue_poll", cfg.PollInterval, func(c context.Context) {
		dispatcher.RunOnce(c)
	})
	scheduler.Register("status_poll", cfg.StatusPollInterval, func(c context.Context) {
		poller.PollOnce(c)
	})
	scheduler.Register("stale_recovery", cfg.RecoverInterval, func(c context.Context) {
		retryEngine.RecoverStale(c)
	})
	scheduler.Register("metrics_snapshot", cfg.MetricsInterval, func(c context.Context) {
		collector.Collect(c)
	})
	scheduler.Register("health_probe", cfg.HealthInterval, func(c context.Context) {
		prober.ProbeOnce(c)
	})
	scheduler.Register("evidence_eviction", cfg.EvictionInterval, func(c context.Context) {
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.EvidenceRetentionDays)

		n, err := evidenceRepo.PurgeOlderThan(c, cutoff)

		if err != nil {
			slog.Default().ErrorContext(c, "evidence.purge_error", "err", err)
			return
		}
		if n > 0 {
			slog.Default().InfoContext(c, "evidence.purged", "removed", n, "cutoff", cutoff)
		}

		if _, err := metricsRepo.PruneOlderThan(c, cutoff); err != nil {
			slog.Default().ErrorContext(c, "metrics.prune_error", "err", err)
		}
	})
	scheduler.Register("callback_sweep", 5*time.Minute, func(c context.Context) {
		olderThan := time.Now().UTC().Add(-2 * time.Minute)

		ids, err := jobsRepo.ListCallbackPending(c, olderThan, 50)

		if err != nil {
			slog.Default().ErrorContext(c, "callback.sweep_error", "err", err)
			return
		}
		for _, id := range ids {
			reporter.Enqueue(id)
		}
	})

	scheduler.Start(ctx)

	operatorHash, err := security.HashPassword(cfg.OperatorPassword)

	if err != nil {
		logger.Error("operator credential setup failed", "err", err)
		os.Exit(1)
	}

	jwtManager := auth.NewManager(cfg.JWTSecret, time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute)

	router := httpx.NewRouter(logger, httpx.Deps{
		Cfg:          cfg,
		Pool:         pool,
		Redis:        redis,
		Jobs:         jobsRepo,
		Evidence:     evidenceRepo,
		Callbacks:    reporter,
		Dispatcher:   dispatcher,
		Recoverer:    retryEngine,
		Scheduler:    scheduler,
		Collector:    collector,
		Counts:       jobsRepo,
		JWT:          jwtManager,
		OperatorHash: operatorHash,
		Prom:         prom,
		PromRegistry: reg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("orchestrator starting", "addr", srv.Addr, "env", cfg.Env, "workers", len(cfg.Workers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Block until SIGINT/SIGTERM

	<-ctx.Done()

	logger.Info("shutdown signal received")

	// stop accepting new submissions first
	shutdownContext, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFunc()

	err = srv.Shutdown(shutdownContext)

	if err != nil {
		logger.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close() // last resort
	}

	// drain the periodic tasks, then flush queued callbacks. Jobs still in
	// running stay running; the next instance reclaims them via stale
	// recovery.
	scheduler.Stop()
	reporter.Wait()

	logger.Info("orchestrator stopped gracefully.")
}
