package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("rpa-worker")

var ErrAtCapacity = errors.New("worker at capacity")

type Config struct {
	MaxConcurrent int
	ResultTTL     time.Duration
	JobBudget     time.Duration // wall-clock budget per automation
	ShutdownGrace time.Duration
}

// JobStatus is what the orchestrator's poller reads back. Completed entries
// stay visible for ResultTTL so a delayed poll still finds them.

type JobStatus struct {
	JobID     int64          `json:"jobId"`
	Provider  job.Provider   `json:"provider"`
	Action    job.Action     `json:"action"`
	Status    string         `json:"status"` // running | completed | failed
	Result    *job.Result    `json:"result,omitempty"`
	Error     *job.ExecError `json:"error,omitempty"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
}

type ExecuteRequest struct {
	JobID      int64          `json:"jobId" binding:"required"`
	Provider   job.Provider   `json:"provider" binding:"required"`
	Action     job.Action     `json:"action" binding:"required"`
	Parameters job.Parameters `json:"parameters"`
}

// Runner executes automations concurrently up to MaxConcurrent. The load
// counter is bumped before a job is accepted and released after execution
// terminates — any outcome, panics included — so capacity can never leak.

type Runner struct {
	cfg        Config
	automation *AutomationRegistry
	prom       *observability.Prom
	metrics    *observability.ExecMetrics

	mu       sync.Mutex
	statuses map[int64]*JobStatus

	load atomic.Int64

	readyMu sync.RWMutex
	ready   bool

	wg sync.WaitGroup
}

func New(cfg Config, automations *AutomationRegistry, prom *observability.Prom) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 10 * time.Minute
	}
	if cfg.JobBudget <= 0 {
		cfg.JobBudget = 15 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}

	return &Runner{
		cfg:        cfg,
		automation: automations,
		prom:       prom,
		metrics:    observability.NewExecMetrics(),
		statuses:   make(map[int64]*JobStatus),
		ready:      true,
	}
}

// Execute accepts a dispatch. Returns ErrAtCapacity when the concurrency
// cap is reached; the HTTP layer turns that into 503 + Retry-After. The
// accept path never blocks on the automation itself.

func (r *Runner) Execute(req ExecuteRequest) error {
	// reserve a slot before accepting
	if r.load.Add(1) > int64(r.cfg.MaxConcurrent) {
		r.load.Add(-1)

		r.metrics.IncRefused()
		if r.prom != nil {
			r.prom.ExecsRefused.Inc()
		}

		return ErrAtCapacity
	}

	r.mu.Lock()

	if existing, ok := r.statuses[req.JobID]; ok && existing.Status == "running" {
		// re-dispatch of a job we are already running; accept, do not fork
		r.mu.Unlock()
		r.load.Add(-1)
		return nil
	}

	st := &JobStatus{
		JobID:     req.JobID,
		Provider:  req.Provider,
		Action:    req.Action,
		Status:    "running",
		StartTime: time.Now().UTC(),
	}
	r.statuses[req.JobID] = st
	r.mu.Unlock()

	r.metrics.IncAccepted()
	if r.prom != nil {
		r.prom.ExecsInFlight.Inc()
	}

	r.wg.Add(1)
	go r.run(req)

	return nil
}

func (r *Runner) run(req ExecuteRequest) {
	defer r.wg.Done()

	start := time.Now()

	// the slot is released whatever happens in here
	defer func() {
		r.load.Add(-1)
		if r.prom != nil {
			r.prom.ExecsInFlight.Dec()
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			r.finish(req, nil, job.NewExecError(job.KindSystemError, fmt.Sprintf("automation panic: %v", rec)), start)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.JobBudget)
	defer cancel()

	ctx, span := tracer.Start(ctx, "automation.run",
		trace.WithAttributes(
			attribute.Int64("job.id", req.JobID),
			attribute.String("job.provider", string(req.Provider)),
			attribute.String("job.action", string(req.Action)),
		),
	)
	defer span.End()

	slog.Default().InfoContext(ctx, "automation.start",
		"job_id", req.JobID,
		"provider", string(req.Provider),
		"action", string(req.Action),
	)

	fn, ok := r.automation.Lookup(req.Provider, req.Action)

	if !ok {
		err := job.NewExecError(job.KindValidationError,
			fmt.Sprintf("no automation registered for %s/%s", req.Provider, req.Action))

		span.SetStatus(codes.Error, err.Message)
		r.finish(req, nil, err, start)
		return
	}

	result, err := fn(ctx, req.Parameters)

	if err != nil {
		execErr := job.Classify(err)

		// the budget firing beats whatever the automation returned
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			execErr = job.NewExecError(job.KindTimeoutError, "automation exceeded wall-clock budget")
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, string(execErr.Kind))
		r.finish(req, nil, execErr, start)
		return
	}

	span.SetStatus(codes.Ok, "completed")
	r.finish(req, &result, nil, start)
}

func (r *Runner) finish(req ExecuteRequest, result *job.Result, execErr *job.ExecError, start time.Time) {
	now := time.Now().UTC()
	d := time.Since(start)

	status := "completed"

	if execErr != nil {
		status = "failed"
	}

	r.mu.Lock()
	st, ok := r.statuses[req.JobID]

	if ok {
		st.Status = status
		st.Result = result
		st.Error = execErr
		st.EndTime = &now
	}
	r.mu.Unlock()

	r.metrics.ObserveDuration(d)

	if execErr != nil {
		r.metrics.IncFailed()
	} else {
		r.metrics.IncDone()
	}

	if r.prom != nil {
		r.prom.ExecDuration.WithLabelValues(string(req.Provider), string(req.Action), status).Observe(d.Seconds())
	}

	if execErr != nil {
		slog.Default().ErrorContext(context.Background(), "automation.failed",
			"job_id", req.JobID,
			"provider", string(req.Provider),
			"action", string(req.Action),
			"error_kind", string(execErr.Kind),
			"duration_ms", d.Milliseconds(),
		)
		return
	}

	slog.Default().InfoContext(context.Background(), "automation.done",
		"job_id", req.JobID,
		"provider", string(req.Provider),
		"action", string(req.Action),
		"duration_ms", d.Milliseconds(),
	)
}

// Status returns the tracked entry for a job, if it is still retained.

func (r *Runner) Status(jobID int64) (JobStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.statuses[jobID]

	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

func (r *Runner) ActiveJobs() int {
	return int(r.load.Load())
}

func (r *Runner) Capacity() int {
	return r.cfg.MaxConcurrent
}

func (r *Runner) Automations() *AutomationRegistry {
	return r.automation
}

func (r *Runner) Ready() bool {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()
	return r.ready
}

func (r *Runner) SetReady(ready bool) {
	r.readyMu.Lock()
	r.ready = ready
	r.readyMu.Unlock()
}

// EvictLoop drops completed entries older than ResultTTL so the status map
// stays bounded. Run in its own goroutine.

func (r *Runner) EvictLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			n := r.evictExpired(time.Now().UTC())

			if n > 0 {
				log.Printf("runner: evicted %d expired job results", n)
			}
		}
	}
}

func (r *Runner) evictExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for id, st := range r.statuses {
		if st.Status == "running" || st.EndTime == nil {
			continue
		}
		if now.Sub(*st.EndTime) > r.cfg.ResultTTL {
			delete(r.statuses, id)
			n++
		}
	}

	return n
}

// LogMetricsLoop mirrors the prometheus families into the worker log on a
// ticker, which is what actually gets looked at on a box mid-incident.

func (r *Runner) LogMetricsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			s := r.metrics.Snapshot()
			log.Printf(
				"exec metrics accepted=%d done=%d failed=%d refused=%d active=%d dur_avg=%s dur_max=%s",
				s.Accepted, s.Done, s.Failed, s.Refused, r.ActiveJobs(), s.AverageDuration, s.MaxDuration,
			)
		}
	}
}

// Drain waits for in-flight automations up to the shutdown grace.

func (r *Runner) Drain() {
	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("runner: all in-flight automations completed")
	case <-time.After(r.cfg.ShutdownGrace):
		log.Printf("runner: shutdown grace (%s) exceeded; exiting", r.cfg.ShutdownGrace)
	}
}
