package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taahir-samaai/rpa-orchestrator/internal/cache"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/orchestrator"
)

type DispatchRunner interface {
	RunOnce(ctx context.Context) int
}

type StaleRecoverer interface {
	RecoverStale(ctx context.Context)
}

type CountsStore interface {
	SnapshotCounts(ctx context.Context) (job.Counts, error)
}

// OpsHandler backs the operator endpoints: immediate dispatch/recovery
// passes, scheduler introspection and the business-metrics view.

type OpsHandler struct {
	dispatcher DispatchRunner
	recoverer  StaleRecoverer
	scheduler  *orchestrator.Scheduler
	collector  *orchestrator.Collector
	store      CountsStore
	metricsTTL *cache.Cache
}

func NewOpsHandler(d DispatchRunner, r StaleRecoverer, s *orchestrator.Scheduler, c *orchestrator.Collector, store CountsStore) *OpsHandler {
	return &OpsHandler{
		dispatcher: d,
		recoverer:  r,
		scheduler:  s,
		collector:  c,
		store:      store,
		metricsTTL: cache.New(5 * time.Second),
	}
}

// POST /process — run a dispatch pass right now.

func (h *OpsHandler) Process(ctx *gin.Context) {
	n := h.dispatcher.RunOnce(ctx.Request.Context())

	ctx.JSON(http.StatusOK, gin.H{
		"dispatched": n,
	})
}

// POST /recover — run stale recovery right now.

func (h *OpsHandler) Recover(ctx *gin.Context) {
	h.recoverer.RecoverStale(ctx.Request.Context())

	ctx.JSON(http.StatusOK, gin.H{
		"status": "recovery_pass_completed",
	})
}

// GET /scheduler

func (h *OpsHandler) Scheduler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"running": h.scheduler.Running(),
		"tasks":   h.scheduler.Snapshot(),
	})
}

// POST /scheduler/reset

func (h *OpsHandler) SchedulerReset(ctx *gin.Context) {
	// restart against the process context, not the request's
	h.scheduler.Reset(context.Background())

	ctx.JSON(http.StatusOK, gin.H{
		"status":  "scheduler_reset",
		"running": h.scheduler.Running(),
	})
}

type metricsView struct {
	Current   job.Counts            `json:"current"`
	SampledAt *time.Time            `json:"sampledAt,omitempty"`
	Workers   map[string]string     `json:"workers,omitempty"`
	Averages  orchestrator.Averages `json:"averages"`
	History   []orchestrator.Sample `json:"history"`
}

// GET /metrics — business counters, not prometheus (that lives on
// /prometheus). Briefly cached: the ring scan plus a count query per poll
// from every dashboard adds up.

func (h *OpsHandler) Metrics(ctx *gin.Context) {
	if v, ok := h.metricsTTL.Get("metrics"); ok {
		ctx.JSON(http.StatusOK, v)
		return
	}

	var view metricsView

	if sample, ok := h.collector.Current(); ok {
		view.Current = sample.Counts
		ts := sample.Timestamp
		view.SampledAt = &ts
		view.Workers = sample.WorkerHealth
	} else if h.store != nil {
		// no sample yet right after boot; fall back to a live count
		counts, err := h.store.SnapshotCounts(ctx.Request.Context())

		if err == nil {
			view.Current = counts
		}
	}

	view.Averages = h.collector.Averages()
	view.History = h.collector.History()

	h.metricsTTL.Set("metrics", view)

	ctx.JSON(http.StatusOK, view)
}
