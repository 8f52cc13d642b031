package observability

import (
	"sync/atomic"
	"time"
)

// ExecMetrics is the worker runtime's in-process aggregate, logged on a
// ticker alongside what prometheus scrapes.

type ExecMetrics struct {
	accepted atomic.Uint64
	done     atomic.Uint64
	failed   atomic.Uint64
	refused  atomic.Uint64

	// duration stats (nanoseconds)
	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewExecMetrics() *ExecMetrics {
	m := &ExecMetrics{}
	m.durationMax.Store(0)
	return m
}

func (m *ExecMetrics) IncAccepted() {
	m.accepted.Add(1)
}
func (m *ExecMetrics) IncDone() {
	m.done.Add(1)
}
func (m *ExecMetrics) IncFailed() {
	m.failed.Add(1)
}

func (m *ExecMetrics) IncRefused() {
	m.refused.Add(1)
}

func (m *ExecMetrics) ObserveDuration(d time.Duration) {
	ns := d.Nanoseconds()
	m.durationCount.Add(1)
	m.durationTotal.Add(ns)

	// max update

	for {
		curr := m.durationMax.Load()

		if ns <= curr {
			return
		}

		if m.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type ExecMetricsSnapshot struct {
	Accepted        uint64
	Done            uint64
	Failed          uint64
	Refused         uint64
	DurationCount   uint64
	AverageDuration time.Duration
	MaxDuration     time.Duration
}

func (m *ExecMetrics) Snapshot() ExecMetricsSnapshot {
	count := m.durationCount.Load()
	total := m.durationTotal.Load()
	max := m.durationMax.Load()

	var avg time.Duration

	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return ExecMetricsSnapshot{
		Accepted:        m.accepted.Load(),
		Done:            m.done.Load(),
		Failed:          m.failed.Load(),
		Refused:         m.refused.Load(),
		DurationCount:   count,
		AverageDuration: avg,
		MaxDuration:     time.Duration(max),
	}
}
