package runner

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taahir-samaai/rpa-orchestrator/internal/http/middlewares"
)

// NewRouter builds the worker's HTTP surface. Everything except liveness,
// readiness and /metrics sits behind the orchestrator IP allowlist.

func NewRouter(r *Runner, allowedIPs []string, reg *prometheus.Registry) *gin.Engine {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middlewares.RequestID())
	engine.Use(middlewares.RequestLogger())

	// liveness: process is up
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// readiness: flipped off during shutdown so the orchestrator stops
	// dispatching here before the listener goes away
	engine.GET("/readyz", func(c *gin.Context) {
		if !r.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if reg != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	guarded := engine.Group("/")
	guarded.Use(middlewares.IPAllowlist(allowedIPs))

	guarded.POST("/execute", func(c *gin.Context) {
		var req ExecuteRequest

		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_request", "message": err.Error()},
			})
			return
		}

		if !req.Provider.IsValid() || !req.Action.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_request", "message": "unknown provider or action"},
			})
			return
		}

		err := r.Execute(req)

		if err != nil {
			if errors.Is(err, ErrAtCapacity) {
				c.Header("Retry-After", "30")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": gin.H{"code": "at_capacity", "message": "worker at capacity"},
				})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "could not accept job"},
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":  req.JobID,
			"status": "running",
		})
	})

	guarded.GET("/status/:jobId", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("jobId"), 10, 64)

		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_request", "message": "jobId must be an integer"},
			})
			return
		}

		st, ok := r.Status(id)

		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"jobId":  id,
				"status": "not_found",
			})
			return
		}

		c.JSON(http.StatusOK, st)
	})

	// capabilities + load
	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"providers":  r.Automations().Providers(),
			"actions":    r.Automations().Actions(),
			"activeJobs": r.ActiveJobs(),
			"capacity":   r.Capacity(),
		})
	})

	guarded.GET("/health", func(c *gin.Context) {
		status := "online"

		if !r.Ready() {
			status = "offline"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":     status,
			"activeJobs": r.ActiveJobs(),
			"capacity":   r.Capacity(),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	})

	return engine
}
