package main

import (
	"context"
	"errors"
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
	"github.com/taahir-samaai/rpa-orchestrator/internal/config"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
	"github.com/taahir-samaai/rpa-orchestrator/internal/runner"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// tracing first (so all spans/logs can attach)
	shutdownTracer, err := observability.InitTracer(context.Background(), "rpa-worker", os.Getenv("OTEL_ENDPOINT"))
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := observability.NewLogger(cfg.Env)
	logger := slog.New(observability.NewTraceHandler(base.Handler()))
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	// automation registry: the per-FNO scripts register themselves here at
	// startup; the dev provider ships built in
	automations := runner.NewAutomationRegistry()
	runner.RegisterSimulated(automations)

	r := runner.New(runner.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		ResultTTL:     cfg.ResultTTL,
		JobBudget:     cfg.JobBudget,
		ShutdownGrace: 10 * time.Second,
	}, automations, prom)

	go r.EvictLoop(ctx, time.Minute)
	go r.LogMetricsLoop(ctx, 30*time.Second)

	router := runner.NewRouter(r, cfg.AllowedIPs, reg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverDone := make(chan struct{})

	go func() {
		logger.Info("worker starting",
			"addr", srv.Addr,
			"capacity", cfg.MaxConcurrent,
			"providers", automations.Providers(),
			"pid", os.Getpid(),
		)

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker server failed", "err", err)
			os.Exit(1)
		}
		close(serverDone)
	}()

	<-ctx.Done()

	logger.Info("worker shutdown signal received")

	// flip readiness first so the orchestrator stops dispatching here,
	// give it a window to notice, then stop the listener
	r.SetReady(false)
	time.Sleep(5 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// let in-flight automations finish within the grace window. Anything
	// still running after that hangs in `running` orchestrator-side and is
	// reclaimed by stale recovery.
	r.Drain()

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
	}

	logger.Info("worker shutdown complete")
}
