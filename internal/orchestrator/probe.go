package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/worker"
)

type workerPersister interface {
	Upsert(ctx context.Context, w worker.Worker) error
}

type healthPublisher interface {
	CacheWorkerHealth(ctx context.Context, health map[string]string, ttl time.Duration) error
}

// HealthProber keeps the registry honest: it probes every configured
// worker, ingests capacity/load/providers, persists the registry state and
// publishes the health map for other readers.

type HealthProber struct {
	registry  *Registry
	client    WorkerClient
	persister workerPersister
	publisher healthPublisher
	interval  time.Duration
}

func NewHealthProber(registry *Registry, client WorkerClient, persister workerPersister, publisher healthPublisher, interval time.Duration) *HealthProber {
	if interval <= 0 {
		interval = time.Minute
	}

	return &HealthProber{
		registry:  registry,
		client:    client,
		persister: persister,
		publisher: publisher,
		interval:  interval,
	}
}

// ProbeOnce visits every worker once; driven by the scheduler.

func (p *HealthProber) ProbeOnce(ctx context.Context) {
	for _, w := range p.registry.Snapshot() {
		if ctx.Err() != nil {
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)

		health, err := p.client.Health(probeCtx, w.Endpoint)

		if err != nil {
			cancel()
			p.registry.NoteProbeFailure(w.Endpoint)

			slog.Default().InfoContext(ctx, "probe.health_failed",
				"worker", w.Endpoint,
				"err", err,
			)
			continue
		}

		caps, err := p.client.Capabilities(probeCtx, w.Endpoint)
		cancel()

		if err != nil {
			// health answered but capabilities did not; keep the old
			// provider set rather than wiping it
			p.registry.ApplyProbe(w.Endpoint, health.Capacity, health.ActiveJobs, nil)
		} else {
			p.registry.ApplyProbe(w.Endpoint, caps.Capacity, caps.ActiveJobs, caps.Providers)
		}
	}

	p.persist(ctx)
}

func (p *HealthProber) persist(ctx context.Context) {
	snapshot := p.registry.Snapshot()

	if p.persister != nil {
		for _, w := range snapshot {
			if err := p.persister.Upsert(ctx, w); err != nil {
				slog.Default().ErrorContext(ctx, "probe.persist_error", "worker", w.Endpoint, "err", err)
			}
		}
	}

	if p.publisher != nil {
		ttl := 3 * p.interval

		if err := p.publisher.CacheWorkerHealth(ctx, p.registry.HealthMap(), ttl); err != nil {
			slog.Default().ErrorContext(ctx, "probe.publish_error", "err", err)
		}
	}
}
