package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("rpa-orchestrator")

type dispatchStore interface {
	ClaimNextReady(ctx context.Context, now time.Time, providers []string) (job.Job, error)
	Transition(ctx context.Context, id int64, from, to job.Status, patch job.Patch) error
}

type DispatcherConfig struct {
	// how far back a refused job is pushed before it becomes eligible again
	RefusalBackoff time.Duration
}

// Dispatcher converts eligible pending jobs into running jobs on healthy
// workers. One RunOnce is a full pass: it keeps claiming until there is
// nothing eligible or no capacity left.

type Dispatcher struct {
	store    dispatchStore
	registry *Registry
	client   WorkerClient
	prom     *observability.Prom
	cfg      DispatcherConfig
}

func NewDispatcher(store dispatchStore, registry *Registry, client WorkerClient, prom *observability.Prom, cfg DispatcherConfig) *Dispatcher {
	if cfg.RefusalBackoff <= 0 {
		cfg.RefusalBackoff = 15 * time.Second
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		client:   client,
		prom:     prom,
		cfg:      cfg,
	}
}

// RunOnce executes one dispatch pass. Returns the number of jobs handed to
// workers.

func (d *Dispatcher) RunOnce(ctx context.Context) int {
	dispatched := 0

	for {
		if ctx.Err() != nil {
			return dispatched
		}

		workers := d.registry.Available()

		if len(workers) == 0 {
			return dispatched
		}

		progressed := false

		for _, w := range workers {
			now := time.Now().UTC()

			claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			j, err := d.store.ClaimNextReady(claimCtx, now, w.Providers)
			cancel()

			if err != nil {
				if errors.Is(err, job.ErrJobNotFound) {
					continue
				}

				slog.Default().ErrorContext(ctx, "dispatch.claim_error", "err", err)
				continue
			}

			if d.dispatchOne(ctx, j, w.Endpoint) {
				dispatched++
				progressed = true
			}
		}

		if !progressed {
			return dispatched
		}
	}
}

// dispatchOne pushes one claimed job to one worker and settles the
// dispatching state either way. Refusals and transport errors are
// infrastructure: the job goes back to pending with a short backoff and
// retry_count untouched.

func (d *Dispatcher) dispatchOne(ctx context.Context, j job.Job, endpoint string) bool {
	ctx, span := tracer.Start(ctx, "job.dispatch",
		trace.WithAttributes(
			attribute.Int64("job.id", j.ID),
			attribute.String("job.provider", string(j.Provider)),
			attribute.String("job.action", string(j.Action)),
			attribute.String("worker.endpoint", endpoint),
		),
	)
	defer span.End()

	err := d.client.Dispatch(ctx, endpoint, j)

	if err == nil {
		now := time.Now().UTC()

		terr := d.store.Transition(ctx, j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{
			AssignedWorker: &endpoint,
			StartedAt:      &now,
			HistoryDetail:  "dispatched to " + endpoint,
		})

		if terr != nil {
			// the job moved under us (operator cancel); the worker will
			// finish it but its result loses the CAS and is discarded
			span.SetStatus(codes.Error, "transition conflict after accept")
			slog.Default().ErrorContext(ctx, "dispatch.transition_error", "job_id", j.ID, "err", terr)
			return false
		}

		d.registry.NoteDispatchOK(endpoint)

		if d.prom != nil {
			d.prom.DispatchTotal.WithLabelValues(endpoint, "accepted").Inc()
		}

		span.SetStatus(codes.Ok, "accepted")

		slog.Default().InfoContext(ctx, "job.dispatched",
			"job_id", j.ID,
			"external_id", j.ExternalID,
			"provider", string(j.Provider),
			"action", string(j.Action),
			"worker", endpoint,
		)

		return true
	}

	span.RecordError(err)

	runAt := time.Now().UTC().Add(d.cfg.RefusalBackoff)

	terr := d.store.Transition(ctx, j.ID, job.StatusDispatching, job.StatusPending, job.Patch{
		NextRunAt:     &runAt,
		HistoryDetail: "dispatch refused",
	})

	if terr != nil {
		slog.Default().ErrorContext(ctx, "dispatch.requeue_error", "job_id", j.ID, "err", terr)
	}

	if errors.Is(err, ErrWorkerBusy) {
		if d.prom != nil {
			d.prom.DispatchTotal.WithLabelValues(endpoint, "refused").Inc()
		}

		slog.Default().InfoContext(ctx, "dispatch.refused",
			"job_id", j.ID,
			"worker", endpoint,
			"next_run_at", runAt.Format(time.RFC3339),
		)

		return false
	}

	d.registry.NoteDispatchFailure(endpoint)

	if d.prom != nil {
		d.prom.DispatchTotal.WithLabelValues(endpoint, "error").Inc()
	}

	slog.Default().ErrorContext(ctx, "dispatch.error",
		"job_id", j.ID,
		"worker", endpoint,
		"err", err,
	)

	return false
}
