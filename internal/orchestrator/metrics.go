package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
)

// Sample is one point-in-time snapshot of queue depth and worker health.

type Sample struct {
	Timestamp    time.Time         `json:"timestamp"`
	Counts       job.Counts        `json:"counts"`
	WorkerHealth map[string]string `json:"workerHealth"`
}

type countsStore interface {
	SnapshotCounts(ctx context.Context) (job.Counts, error)
}

type sampleRecorder interface {
	Record(ctx context.Context, at time.Time, c job.Counts, workerHealth map[string]string) error
}

// Collector keeps a bounded ring of samples (24h at 5-minute granularity by
// default) plus the current view. Read-only from HTTP handlers; only the
// scheduler's metrics task writes.

type Collector struct {
	mu       sync.RWMutex
	ring     []Sample
	head     int
	size     int
	store    countsStore
	registry *Registry
	recorder sampleRecorder
}

const defaultRingSize = 288

func NewCollector(store countsStore, registry *Registry, recorder sampleRecorder, ringSize int) *Collector {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}

	return &Collector{
		ring:     make([]Sample, ringSize),
		store:    store,
		registry: registry,
		recorder: recorder,
	}
}

// Collect takes one sample; driven by the scheduler.

func (c *Collector) Collect(ctx context.Context) {
	counts, err := c.store.SnapshotCounts(ctx)

	if err != nil {
		slog.Default().ErrorContext(ctx, "metrics.snapshot_error", "err", err)
		return
	}

	s := Sample{
		Timestamp:    time.Now().UTC(),
		Counts:       counts,
		WorkerHealth: c.registry.HealthMap(),
	}

	c.mu.Lock()
	c.ring[c.head] = s
	c.head = (c.head + 1) % len(c.ring)
	if c.size < len(c.ring) {
		c.size++
	}
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.Record(ctx, s.Timestamp, s.Counts, s.WorkerHealth); err != nil {
			slog.Default().ErrorContext(ctx, "metrics.record_error", "err", err)
		}
	}
}

// Current returns the most recent sample, if any.

func (c *Collector) Current() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.size == 0 {
		return Sample{}, false
	}

	idx := (c.head - 1 + len(c.ring)) % len(c.ring)

	return c.ring[idx], true
}

// History returns samples oldest-first.

func (c *Collector) History() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Sample, 0, c.size)

	start := c.head - c.size
	if start < 0 {
		start += len(c.ring)
	}

	for i := 0; i < c.size; i++ {
		out = append(out, c.ring[(start+i)%len(c.ring)])
	}

	return out
}

// Averages over the retained window, for the metrics endpoint.

type Averages struct {
	Pending float64 `json:"pending"`
	Running float64 `json:"running"`
	Samples int     `json:"samples"`
}

func (c *Collector) Averages() Averages {
	hist := c.History()

	if len(hist) == 0 {
		return Averages{}
	}

	var pending, running int

	for _, s := range hist {
		pending += s.Counts.Pending
		running += s.Counts.Running
	}

	n := float64(len(hist))

	return Averages{
		Pending: float64(pending) / n,
		Running: float64(running) / n,
		Samples: len(hist),
	}
}
