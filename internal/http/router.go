package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taahir-samaai/rpa-orchestrator/internal/auth"
	"github.com/taahir-samaai/rpa-orchestrator/internal/config"
	"github.com/taahir-samaai/rpa-orchestrator/internal/http/handlers"
	"github.com/taahir-samaai/rpa-orchestrator/internal/http/middlewares"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
	"github.com/taahir-samaai/rpa-orchestrator/internal/orchestrator"
	"github.com/taahir-samaai/rpa-orchestrator/internal/queue/redisclient"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps is everything the orchestrator API needs wired in. The scheduler
// owns the moving parts; handlers only get read views and trigger hooks.

type Deps struct {
	Cfg          config.Config
	Pool         *pgxpool.Pool
	Redis        *redisclient.Client
	Jobs         handlers.JobsStore
	Evidence     handlers.EvidenceLister
	Callbacks    handlers.CallbackEnqueuer
	Dispatcher   handlers.DispatchRunner
	Recoverer    handlers.StaleRecoverer
	Scheduler    *orchestrator.Scheduler
	Collector    *orchestrator.Collector
	Counts       handlers.CountsStore
	JWT          *auth.Manager
	OperatorHash string
	Prom         *observability.Prom
	PromRegistry *prometheus.Registry
}

func NewRouter(log *slog.Logger, d Deps) *gin.Engine {
	if d.Cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(otelgin.Middleware("rpa-orchestrator"))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20)) //1MB max body
	r.Use(middlewares.RequireJSON())

	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	readyCheck := func() error {
		// postgres ping
		if d.Pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			err := d.Pool.Ping(ctx)

			if err != nil {
				return err
			}
		}

		// Redis ping

		if d.Redis != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			err := d.Redis.Ping(ctx)

			if err != nil {
				return err
			}
		}

		return nil
	}

	h := handlers.NewHealthHandler(readyCheck)
	jobsHandler := handlers.NewJobsHandler(d.Jobs, d.Evidence, d.Callbacks)
	opsHandler := handlers.NewOpsHandler(d.Dispatcher, d.Recoverer, d.Scheduler, d.Collector, d.Counts)
	authHandler := handlers.NewAuthHandler(d.JWT, d.Cfg.OperatorUsername, d.OperatorHash, d.Cfg.JWTAccessTTLMinutes*60)
	authMiddleware := middlewares.NewAuthMiddleware(d.JWT)

	tokenLimiter := middlewares.NewRateLimiter(5, 1*time.Minute)

	// public routes
	r.GET("/health", h.Health)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", opsHandler.Metrics)
	r.GET("/scheduler", opsHandler.Scheduler)

	if d.PromRegistry != nil {
		r.GET("/prometheus", gin.WrapH(promhttp.HandlerFor(d.PromRegistry, promhttp.HandlerOpts{})))
	}

	r.POST("/token", tokenLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Token)

	// bearer-protected routes

	authed := r.Group("/")

	authed.Use(authMiddleware.RequireAuth())

	{
		authed.POST("/jobs", jobsHandler.Create)
		authed.GET("/jobs", jobsHandler.List)
		authed.GET("/jobs/:id", jobsHandler.Get)
		authed.GET("/jobs/:id/screenshots", jobsHandler.Screenshots)
		authed.POST("/process", opsHandler.Process)
		authed.POST("/recover", opsHandler.Recover)
	}

	// destructive operations need the admin role

	admin := authed.Group("/")
	admin.Use(authMiddleware.RequireRole("admin"))

	{
		admin.DELETE("/jobs/:id", jobsHandler.Cancel)
		admin.POST("/jobs/:id/retry", jobsHandler.Retry)
		admin.POST("/scheduler/reset", opsHandler.SchedulerReset)
	}

	if log != nil {
		log.Info("router ready", "env", d.Cfg.Env)
	}

	return r
}
