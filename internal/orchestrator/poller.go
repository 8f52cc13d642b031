package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/evidence"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
)

type pollStore interface {
	ListRunning(ctx context.Context) ([]job.Job, error)
	RecordResult(ctx context.Context, id int64, result *job.Result, execErr *job.ExecError, final job.Status) error
}

type EvidenceSink interface {
	Append(ctx context.Context, rec evidence.Record) (int64, error)
}

type PollerConfig struct {
	// a running job the worker denies knowing, older than this, is lost
	LostThreshold time.Duration
	CallTimeout   time.Duration
}

// Poller drives completion: it asks each assigned worker about its running
// jobs and applies what it learns. Completion writes are CAS-guarded, so a
// late or duplicate poll can never apply a result twice.

type Poller struct {
	store    pollStore
	evidence EvidenceSink
	client   WorkerClient
	registry *Registry
	retry    *RetryEngine
	cbs      CallbackEnqueuer
	prom     *observability.Prom
	cfg      PollerConfig
}

func NewPoller(store pollStore, ev EvidenceSink, client WorkerClient, registry *Registry, retry *RetryEngine, cbs CallbackEnqueuer, prom *observability.Prom, cfg PollerConfig) *Poller {
	if cfg.LostThreshold <= 0 {
		cfg.LostThreshold = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	return &Poller{
		store:    store,
		evidence: ev,
		client:   client,
		registry: registry,
		retry:    retry,
		cbs:      cbs,
		prom:     prom,
		cfg:      cfg,
	}
}

// PollOnce checks every running job once.

func (p *Poller) PollOnce(ctx context.Context) {
	running, err := p.store.ListRunning(ctx)

	if err != nil {
		slog.Default().ErrorContext(ctx, "poll.list_running_error", "err", err)
		return
	}

	for _, j := range running {
		if ctx.Err() != nil {
			return
		}

		if j.AssignedWorker == nil {
			// should not happen (running implies assigned); recover anyway
			p.retry.HandleFailure(ctx, j, job.NewExecError(job.KindLostHeartbeat, "running without assigned worker"))
			continue
		}

		p.pollJob(ctx, j)
	}
}

func (p *Poller) pollJob(ctx context.Context, j job.Job) {
	endpoint := *j.AssignedWorker

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	st, err := p.client.Status(callCtx, endpoint, j.ID)
	cancel()

	if err != nil {
		if errors.Is(err, ErrStatusNotFound) {
			// suspected lost; give fresh dispatches a grace window, the
			// worker may not have made the job visible yet
			if j.StartedAt != nil && time.Now().UTC().Sub(*j.StartedAt) > p.cfg.LostThreshold {
				p.registry.NoteJobFinished(endpoint)
				p.retry.HandleFailure(ctx, j, job.NewExecError(job.KindLostHeartbeat, "worker does not know the job"))
			}
			return
		}

		// transport error: never mutate job state off a single failed poll
		p.registry.NoteProbeFailure(endpoint)

		slog.Default().ErrorContext(ctx, "poll.status_error",
			"job_id", j.ID,
			"worker", endpoint,
			"err", err,
		)
		return
	}

	switch st.Status {
	case "running":
		return

	case "completed":
		p.applyCompletion(ctx, j, st)

	case "failed":
		execErr := st.Error

		if execErr == nil {
			execErr = job.NewExecError(job.KindSystemError, "worker reported failure without detail")
		}

		p.registry.NoteJobFinished(endpoint)
		p.retry.HandleFailure(ctx, j, execErr)

	default:
		slog.Default().ErrorContext(ctx, "poll.unexpected_status",
			"job_id", j.ID,
			"worker", endpoint,
			"status", st.Status,
		)
	}
}

func (p *Poller) applyCompletion(ctx context.Context, j job.Job, st StatusResponse) {
	result := st.Result

	if result == nil {
		result = &job.Result{Status: "success"}
	}

	// screenshots are stored out of the result row; strip the base64 before
	// persisting the payload
	shots := result.Screenshots
	result.Screenshots = nil

	err := p.store.RecordResult(ctx, j.ID, result, nil, job.StatusCompleted)

	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			// duplicate completion (late poll) or operator cancel: no-op
			return
		}

		slog.Default().ErrorContext(ctx, "poll.record_result_error", "job_id", j.ID, "err", err)
		return
	}

	p.registry.NoteJobFinished(*j.AssignedWorker)
	p.storeScreenshots(ctx, j.ID, shots)

	if p.prom != nil {
		p.prom.JobResults.WithLabelValues(string(j.Provider), string(j.Action), "completed").Inc()
	}

	slog.Default().InfoContext(ctx, "job.completed",
		"job_id", j.ID,
		"external_id", j.ExternalID,
		"provider", string(j.Provider),
		"action", string(j.Action),
		"result_status", result.Status,
	)

	if p.cbs != nil {
		p.cbs.Enqueue(j.ID)
	}
}

func (p *Poller) storeScreenshots(ctx context.Context, jobID int64, shots []job.Screenshot) {
	if p.evidence == nil {
		return
	}

	now := time.Now().UTC()

	for _, s := range shots {
		payload, err := base64.StdEncoding.DecodeString(s.Base64)

		if err != nil {
			slog.Default().ErrorContext(ctx, "poll.evidence_decode_error",
				"job_id", jobID, "name", s.Name, "err", err)
			continue
		}

		mime := s.MimeType

		if mime == "" {
			mime = "image/png"
		}

		_, err = p.evidence.Append(ctx, evidence.Record{
			JobID:     jobID,
			Name:      s.Name,
			MimeType:  mime,
			Payload:   payload,
			CreatedAt: now,
		})

		if err != nil {
			slog.Default().ErrorContext(ctx, "poll.evidence_store_error",
				"job_id", jobID, "name", s.Name, "err", err)
		}
	}
}
