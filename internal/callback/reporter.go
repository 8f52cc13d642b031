package callback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
)

// Payload is the upstream wire format. JOB_EVI is a JSON-encoded string,
// not a nested object; the consumer unwraps it.

type Payload struct {
	JobID    string `json:"JOB_ID"`
	FNO      string `json:"FNO"`
	Status   string `json:"STATUS"`
	StatusDT string `json:"STATUS_DT"`
	JobEvi   string `json:"JOB_EVI"`
}

// upstream timestamps are South African local time
var saLocation = func() *time.Location {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		return time.FixedZone("SAST", 2*60*60)
	}
	return loc
}()

const statusDTLayout = "2006/01/02 15:04:05"

type reporterStore interface {
	GetByID(ctx context.Context, id int64) (job.Job, error)
	MarkCallback(ctx context.Context, id int64, status job.CallbackStatus, tries int) error
}

type ReporterConfig struct {
	UpstreamURL  string
	MaxAttempts  int
	MaxBodyBytes int
	QueueSize    int
	// first retry delay; grows exponentially from here
	RetryInitialInterval time.Duration
}

// Reporter owns upstream delivery. Jobs are enqueued by id when they reach
// a terminal state; a single delivery loop drains the queue so deliveries
// never block the poller or the retry engine.

type Reporter struct {
	store  reporterStore
	sender Sender
	prom   *observability.Prom
	cfg    ReporterConfig

	queue chan int64
	wg    sync.WaitGroup
}

func NewReporter(store reporterStore, sender Sender, prom *observability.Prom, cfg ReporterConfig) *Reporter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 2 * time.Second
	}

	return &Reporter{
		store:  store,
		sender: sender,
		prom:   prom,
		cfg:    cfg,
		queue:  make(chan int64, cfg.QueueSize),
	}
}

// Enqueue never blocks; a full queue is logged and the sweep task picks the
// job up later.

func (r *Reporter) Enqueue(jobID int64) {
	select {
	case r.queue <- jobID:
	default:
		slog.Default().Error("callback.queue_full", "job_id", jobID)
	}
}

// Run drains the queue until the context is cancelled, then flushes what is
// already queued before returning.

func (r *Reporter) Run(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return

		case id := <-r.queue:
			r.Deliver(context.WithoutCancel(ctx), id)
		}
	}
}

// flush delivers whatever is still queued at shutdown, bounded by the
// queue length at the moment of cancellation.

func (r *Reporter) flush() {
	for {
		select {
		case id := <-r.queue:
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			r.Deliver(flushCtx, id)
			cancel()
		default:
			return
		}
	}
}

// Wait blocks until the delivery loop has exited.

func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Deliver pushes one job's outcome upstream, with bounded exponential
// retry. Independent of the job retry policy: the job stays terminal no
// matter what happens here.

func (r *Reporter) Deliver(ctx context.Context, jobID int64) {
	if r.cfg.UpstreamURL == "" {
		return
	}

	j, err := r.store.GetByID(ctx, jobID)

	if err != nil {
		slog.Default().ErrorContext(ctx, "callback.load_error", "job_id", jobID, "err", err)
		return
	}

	if !j.Status.IsTerminal() || j.CallbackStatus == job.CallbackDelivered {
		return
	}

	p, err := BuildPayload(j, r.cfg.MaxBodyBytes)

	if err != nil {
		slog.Default().ErrorContext(ctx, "callback.payload_error", "job_id", jobID, "err", err)
		return
	}

	attempts := 0

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.RetryInitialInterval
	expo.MaxInterval = 1 * time.Minute

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++

		serr := r.sender.Send(ctx, r.cfg.UpstreamURL, p)

		if serr != nil {
			if errors.Is(serr, ErrCircuitOpen) {
				// upstream is known-down; stop burning attempts
				return struct{}{}, backoff.Permanent(serr)
			}

			if r.prom != nil {
				r.prom.CallbackTotal.WithLabelValues("retry").Inc()
			}
			return struct{}{}, serr
		}

		return struct{}{}, nil
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)

	if err != nil {
		if merr := r.store.MarkCallback(ctx, jobID, job.CallbackFailed, attempts); merr != nil {
			slog.Default().ErrorContext(ctx, "callback.mark_failed_error", "job_id", jobID, "err", merr)
		}

		if r.prom != nil {
			r.prom.CallbackTotal.WithLabelValues("failed").Inc()
		}

		slog.Default().ErrorContext(ctx, "callback.delivery_failed",
			"job_id", jobID,
			"external_id", j.ExternalID,
			"attempts", attempts,
			"err", err,
		)
		return
	}

	if merr := r.store.MarkCallback(ctx, jobID, job.CallbackDelivered, attempts); merr != nil {
		slog.Default().ErrorContext(ctx, "callback.mark_delivered_error", "job_id", jobID, "err", merr)
		return
	}

	if r.prom != nil {
		r.prom.CallbackTotal.WithLabelValues("delivered").Inc()
	}

	slog.Default().InfoContext(ctx, "callback.delivered",
		"job_id", jobID,
		"external_id", j.ExternalID,
		"status", p.Status,
		"attempts", attempts,
	)
}

// BuildPayload maps a terminal job to the upstream wire format.

func BuildPayload(j job.Job, maxBodyBytes int) (Payload, error) {
	class := Classify(j)

	status, err := BusinessStatus(j.Action, class)

	if err != nil {
		return Payload{}, err
	}

	details := map[string]any{}

	if j.Result != nil {
		for k, v := range j.Result.Details {
			details[k] = v
		}
	}

	// diagnostics ride along inside JOB_EVI
	if j.Error != nil {
		details["error_kind"] = string(j.Error.Kind)
		details["error_message"] = j.Error.Message
	}
	if cn := j.Parameters.CircuitNumber(); cn != "" {
		details["circuit_number"] = cn
	}

	evi, err := Serialize(Flatten(details), maxBodyBytes)

	if err != nil {
		return Payload{}, err
	}

	at := time.Now()

	if j.CompletedAt != nil {
		at = *j.CompletedAt
	}

	return Payload{
		JobID:    j.ExternalID,
		FNO:      j.Provider.FNO(),
		Status:   status,
		StatusDT: at.In(saLocation).Format(statusDTLayout),
		JobEvi:   evi,
	}, nil
}
