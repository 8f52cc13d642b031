package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
)

type retryStore interface {
	Transition(ctx context.Context, id int64, from, to job.Status, patch job.Patch) error
	ListStale(ctx context.Context, threshold time.Duration, now time.Time) ([]job.Job, error)
}

// CallbackEnqueuer hands a terminal job to the callback reporter.

type CallbackEnqueuer interface {
	Enqueue(jobID int64)
}

type RetryConfig struct {
	Base           time.Duration
	Cap            time.Duration
	StaleThreshold time.Duration
}

// RetryEngine resolves failures into a rescheduled pending job or a dead
// one, and reclaims jobs stuck in running past the stale threshold.

type RetryEngine struct {
	store     retryStore
	client    WorkerClient
	registry  *Registry
	callbacks CallbackEnqueuer
	prom      *observability.Prom
	cfg       RetryConfig
}

func NewRetryEngine(store retryStore, client WorkerClient, registry *Registry, callbacks CallbackEnqueuer, prom *observability.Prom, cfg RetryConfig) *RetryEngine {
	if cfg.Base <= 0 {
		cfg.Base = 30 * time.Second
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 10 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}

	return &RetryEngine{
		store:     store,
		client:    client,
		registry:  registry,
		callbacks: callbacks,
		prom:      prom,
		cfg:       cfg,
	}
}

// HandleFailure takes a job the poller observed failing (still `running`
// from the store's view), records the failure and resolves it. The
// running→failed CAS makes duplicate reports no-ops.

func (e *RetryEngine) HandleFailure(ctx context.Context, j job.Job, execErr *job.ExecError) {
	if execErr == nil {
		execErr = job.NewExecError(job.KindSystemError, "failure with no error detail")
	}

	err := e.store.Transition(ctx, j.ID, job.StatusRunning, job.StatusFailed, job.Patch{
		Error:         execErr,
		ClearAssigned: true,
		HistoryDetail: string(execErr.Kind),
	})

	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			// already resolved elsewhere
			return
		}

		slog.Default().ErrorContext(ctx, "retry.mark_failed_error", "job_id", j.ID, "err", err)
		return
	}

	e.resolve(ctx, j, execErr)
}

// resolve turns a failed job into pending (with backoff) or dead.

func (e *RetryEngine) resolve(ctx context.Context, j job.Job, execErr *job.ExecError) {
	retryable := execErr.Kind.Retryable()
	cap := execErr.Kind.RetryCap(j.MaxRetries)

	if retryable && j.RetryCount < cap {
		next := j.RetryCount + 1
		delay := RetryBackoff(next, e.cfg.Base, e.cfg.Cap)
		runAt := time.Now().UTC().Add(delay)

		err := e.store.Transition(ctx, j.ID, job.StatusFailed, job.StatusPending, job.Patch{
			RetryCount:    &next,
			NextRunAt:     &runAt,
			HistoryDetail: "retry scheduled",
		})

		if err != nil {
			slog.Default().ErrorContext(ctx, "retry.reschedule_error", "job_id", j.ID, "err", err)
			return
		}

		if e.prom != nil {
			e.prom.JobResults.WithLabelValues(string(j.Provider), string(j.Action), "retry").Inc()
		}

		slog.Default().InfoContext(ctx, "job.retry_scheduled",
			"job_id", j.ID,
			"external_id", j.ExternalID,
			"attempt", next,
			"max_retries", j.MaxRetries,
			"error_kind", string(execErr.Kind),
			"next_run_at", runAt.Format(time.RFC3339),
		)
		return
	}

	now := time.Now().UTC()

	err := e.store.Transition(ctx, j.ID, job.StatusFailed, job.StatusDead, job.Patch{
		CompletedAt:   &now,
		Error:         execErr,
		HistoryDetail: "dead: " + string(execErr.Kind),
	})

	if err != nil {
		slog.Default().ErrorContext(ctx, "retry.mark_dead_error", "job_id", j.ID, "err", err)
		return
	}

	if e.prom != nil {
		e.prom.JobResults.WithLabelValues(string(j.Provider), string(j.Action), "dead").Inc()
	}

	slog.Default().InfoContext(ctx, "job.dead",
		"job_id", j.ID,
		"external_id", j.ExternalID,
		"retry_count", j.RetryCount,
		"error_kind", string(execErr.Kind),
	)

	if e.callbacks != nil {
		e.callbacks.Enqueue(j.ID)
	}
}

// RecoverStale probes each stuck running job once; if the worker no longer
// knows it (or cannot be reached) the job fails with lost_heartbeat and
// goes back through the retry policy.

func (e *RetryEngine) RecoverStale(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := e.store.ListStale(ctx, e.cfg.StaleThreshold, now)

	if err != nil {
		slog.Default().ErrorContext(ctx, "recover.list_stale_error", "err", err)
		return
	}

	for _, j := range stale {
		if j.AssignedWorker != nil {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			st, perr := e.client.Status(probeCtx, *j.AssignedWorker, j.ID)
			cancel()

			if perr == nil && st.Status == "running" {
				// worker still has it; a long automation is not a lost one
				continue
			}
		}

		if e.prom != nil {
			e.prom.StaleRecovered.Inc()
		}

		slog.Default().InfoContext(ctx, "job.stale_recovered",
			"job_id", j.ID,
			"external_id", j.ExternalID,
			"started_at", j.StartedAt,
		)

		if j.AssignedWorker != nil {
			e.registry.NoteJobFinished(*j.AssignedWorker)
		}

		e.HandleFailure(ctx, j, job.NewExecError(job.KindLostHeartbeat, "worker lost contact with job"))
	}
}
