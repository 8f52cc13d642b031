package orchestrator

import (
	"sync"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/worker"
)

// workerState is one registry entry. Load is the orchestrator's optimistic
// count: incremented on accepted dispatch, decremented when the poller sees
// the job finish, corrected on every health probe.

type workerState struct {
	worker.Worker
	dispatchFailures int
	probeFailures    int
}

// Registry tracks the configured workers. Round-robin order is stable
// across dispatch passes (rrIndex survives between invocations).

type Registry struct {
	mu            sync.Mutex
	workers       []*workerState
	rrIndex       int
	degradedAfter int
}

func NewRegistry(endpoints []string, degradedAfter int) *Registry {
	if degradedAfter <= 0 {
		degradedAfter = 3
	}

	r := &Registry{degradedAfter: degradedAfter}

	for _, ep := range endpoints {
		r.workers = append(r.workers, &workerState{
			Worker: worker.Worker{
				Endpoint: ep,
				Health:   worker.HealthOffline, // offline until the first probe
			},
		})
	}

	return r
}

// Available returns online workers with spare capacity, rotated so that
// successive calls start from a different worker.

func (r *Registry) Available() []worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.workers)

	if n == 0 {
		return nil
	}

	var out []worker.Worker

	for i := 0; i < n; i++ {
		w := r.workers[(r.rrIndex+i)%n]

		if w.Health == worker.HealthOnline && w.CurrentLoad < w.Capacity {
			out = append(out, w.Worker)
		}
	}

	r.rrIndex = (r.rrIndex + 1) % n

	return out
}

func (r *Registry) find(endpoint string) *workerState {
	for _, w := range r.workers {
		if w.Endpoint == endpoint {
			return w
		}
	}
	return nil
}

func (r *Registry) NoteDispatchOK(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.find(endpoint)

	if w == nil {
		return
	}
	w.dispatchFailures = 0
	w.CurrentLoad++
}

// NoteDispatchFailure counts consecutive hard dispatch failures; after the
// configured threshold the worker is degraded until a probe clears it.
// 503 refusals are not hard failures and do not come through here.

func (r *Registry) NoteDispatchFailure(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.find(endpoint)

	if w == nil {
		return
	}

	w.dispatchFailures++

	if w.dispatchFailures >= r.degradedAfter && w.Health == worker.HealthOnline {
		w.Health = worker.HealthDegraded
	}
}

func (r *Registry) NoteJobFinished(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.find(endpoint)

	if w == nil {
		return
	}
	if w.CurrentLoad > 0 {
		w.CurrentLoad--
	}
}

// NoteProbeFailure marks consecutive failed status polls / health probes.

func (r *Registry) NoteProbeFailure(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.find(endpoint)

	if w == nil {
		return
	}

	w.probeFailures++

	if w.probeFailures >= r.degradedAfter {
		w.Health = worker.HealthOffline
	} else if w.Health == worker.HealthOnline {
		w.Health = worker.HealthDegraded
	}
}

// ApplyProbe ingests a successful health+capabilities probe. A responsive
// worker always comes back online; observed load overwrites the optimistic
// count.

func (r *Registry) ApplyProbe(endpoint string, capacity, activeJobs int, providers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.find(endpoint)

	if w == nil {
		return
	}

	w.Capacity = capacity
	w.CurrentLoad = activeJobs
	if providers != nil {
		w.Providers = providers
	}
	w.Health = worker.HealthOnline
	w.probeFailures = 0
	w.dispatchFailures = 0
	w.LastProbeAt = time.Now().UTC()
}

func (r *Registry) Snapshot() []worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]worker.Worker, 0, len(r.workers))

	for _, w := range r.workers {
		out = append(out, w.Worker)
	}

	return out
}

func (r *Registry) HealthMap() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.workers))

	for _, w := range r.workers {
		out[w.Endpoint] = string(w.Health)
	}

	return out
}
