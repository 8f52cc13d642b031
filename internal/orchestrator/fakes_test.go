package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/repo/memory"
)

// fakeWorkerClient implements WorkerClient with fn fields so each test can
// script exactly what the workers say.

type fakeWorkerClient struct {
	mu         sync.Mutex
	dispatchFn func(endpoint string, j job.Job) error
	statusFn   func(endpoint string, jobID int64) (StatusResponse, error)
	healthFn   func(endpoint string) (HealthResponse, error)
	capsFn     func(endpoint string) (CapabilitiesResponse, error)

	dispatches map[int64][]string // job id -> endpoints it was sent to
}

func newFakeWorkerClient() *fakeWorkerClient {
	return &fakeWorkerClient{dispatches: make(map[int64][]string)}
}

func (f *fakeWorkerClient) Dispatch(ctx context.Context, endpoint string, j job.Job) error {
	f.mu.Lock()
	f.dispatches[j.ID] = append(f.dispatches[j.ID], endpoint)
	fn := f.dispatchFn
	f.mu.Unlock()

	if fn != nil {
		return fn(endpoint, j)
	}
	return nil
}

func (f *fakeWorkerClient) Status(ctx context.Context, endpoint string, jobID int64) (StatusResponse, error) {
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(endpoint, jobID)
	}
	return StatusResponse{JobID: jobID, Status: "running"}, nil
}

func (f *fakeWorkerClient) Health(ctx context.Context, endpoint string) (HealthResponse, error) {
	if f.healthFn != nil {
		return f.healthFn(endpoint)
	}
	return HealthResponse{Status: "online", Capacity: 4}, nil
}

func (f *fakeWorkerClient) Capabilities(ctx context.Context, endpoint string) (CapabilitiesResponse, error) {
	if f.capsFn != nil {
		return f.capsFn(endpoint)
	}
	return CapabilitiesResponse{Providers: []string{"dev"}, Capacity: 4}, nil
}

func (f *fakeWorkerClient) dispatchCount(jobID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatches[jobID])
}

// onlineRegistry builds a registry whose workers already answered a probe.

func onlineRegistry(endpoints []string, capacity int, providers []string) *Registry {
	r := NewRegistry(endpoints, 3)

	for _, ep := range endpoints {
		r.ApplyProbe(ep, capacity, 0, providers)
	}

	return r
}

func submitJob(t *testing.T, repo *memory.JobsRepo, externalID string, priority int) job.Job {
	t.Helper()

	j, _, err := repo.Create(context.Background(), job.CreateRequest{
		ExternalID: externalID,
		Provider:   job.ProviderDev,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C-" + externalID},
		Priority:   priority,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	return j
}

func runningJob(t *testing.T, repo *memory.JobsRepo, externalID, worker string, startedAgo time.Duration) job.Job {
	t.Helper()

	j := submitJob(t, repo, externalID, 0)

	started := time.Now().UTC().Add(-startedAgo)

	ctx := context.Background()

	if _, err := repo.ClaimNextReady(ctx, time.Now().UTC(), nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Transition(ctx, j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{
		AssignedWorker: &worker,
		StartedAt:      &started,
	}); err != nil {
		t.Fatalf("to running: %v", err)
	}

	out, err := repo.GetByID(ctx, j.ID)

	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return out
}
