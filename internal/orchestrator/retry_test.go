package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/repo/memory"
)

func newTestRetryEngine(repo *memory.JobsRepo, client WorkerClient, registry *Registry, cbs CallbackEnqueuer) *RetryEngine {
	return NewRetryEngine(repo, client, registry, cbs, nil, RetryConfig{
		Base:           time.Millisecond,
		Cap:            5 * time.Millisecond,
		StaleThreshold: 30 * time.Minute,
	})
}

// drive a job through repeated failures until it dies, counting the
// running -> failed transitions.

func TestRetryEngine_RetryBound(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})
	cbs := &recordingEnqueuer{}
	engine := newTestRetryEngine(repo, newFakeWorkerClient(), registry, cbs)

	j := submitJob(t, repo, "R-1", 0)
	worker := "http://w1"

	failures := 0

	for i := 0; i < 10; i++ {
		got, err := repo.GetByID(context.Background(), j.ID)

		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == job.StatusDead {
			break
		}
		if got.Status != job.StatusPending {
			t.Fatalf("unexpected status %s", got.Status)
		}

		// simulate claim + dispatch + worker failure
		now := time.Now().UTC().Add(time.Minute) // past any backoff

		claimed, err := repo.ClaimNextReady(context.Background(), now, nil)

		if err != nil {
			t.Fatalf("claim: %v", err)
		}

		started := time.Now().UTC()

		if err := repo.Transition(context.Background(), claimed.ID, job.StatusDispatching, job.StatusRunning, job.Patch{
			AssignedWorker: &worker,
			StartedAt:      &started,
		}); err != nil {
			t.Fatalf("to running: %v", err)
		}

		running, _ := repo.GetByID(context.Background(), claimed.ID)

		engine.HandleFailure(context.Background(), running, job.NewExecError(job.KindNetworkError, "flaky portal"))
		failures++
	}

	got, _ := repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusDead {
		t.Fatalf("job should be dead after exhausting retries, status=%s", got.Status)
	}

	// max_retries=3 allows the first run plus 3 retries
	if failures != 4 {
		t.Fatalf("running->failed transitions = %d, want 4", failures)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", got.RetryCount)
	}
	if len(cbs.ids) != 1 {
		t.Fatalf("dead job must enqueue one callback, got %v", cbs.ids)
	}
}

func TestRetryEngine_NonRetryableDiesImmediately(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})
	cbs := &recordingEnqueuer{}
	engine := newTestRetryEngine(repo, newFakeWorkerClient(), registry, cbs)

	j := runningJob(t, repo, "R-2", "http://w1", time.Minute)

	engine.HandleFailure(context.Background(), j, job.NewExecError(job.KindValidationError, "bad parameters"))

	got, _ := repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", got.RetryCount)
	}
	if got.CompletedAt == nil {
		t.Fatalf("dead job needs completed_at")
	}
}

func TestRetryEngine_TimeoutCappedAtTwo(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})
	engine := newTestRetryEngine(repo, newFakeWorkerClient(), registry, &recordingEnqueuer{})

	j := runningJob(t, repo, "R-3", "http://w1", time.Minute)

	// first timeout: retry 1
	engine.HandleFailure(context.Background(), j, job.NewExecError(job.KindTimeoutError, "budget exceeded"))

	got, _ := repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusPending || got.RetryCount != 1 {
		t.Fatalf("after 1st timeout: status=%s retries=%d", got.Status, got.RetryCount)
	}

	// second timeout: retry 2
	got = reRun(t, repo, got)
	engine.HandleFailure(context.Background(), got, job.NewExecError(job.KindTimeoutError, "budget exceeded"))

	got, _ = repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusPending || got.RetryCount != 2 {
		t.Fatalf("after 2nd timeout: status=%s retries=%d", got.Status, got.RetryCount)
	}

	// third timeout: dead despite max_retries=3
	got = reRun(t, repo, got)
	engine.HandleFailure(context.Background(), got, job.NewExecError(job.KindTimeoutError, "budget exceeded"))

	got, _ = repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusDead {
		t.Fatalf("after 3rd timeout: status=%s, want dead", got.Status)
	}
}

// reRun pushes a pending job back into running, as the dispatcher would.

func reRun(t *testing.T, repo *memory.JobsRepo, j job.Job) job.Job {
	t.Helper()

	worker := "http://w1"
	now := time.Now().UTC().Add(time.Hour)

	claimed, err := repo.ClaimNextReady(context.Background(), now, nil)

	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != j.ID {
		t.Fatalf("claimed unexpected job %d", claimed.ID)
	}

	started := time.Now().UTC()

	if err := repo.Transition(context.Background(), j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{
		AssignedWorker: &worker,
		StartedAt:      &started,
	}); err != nil {
		t.Fatalf("to running: %v", err)
	}

	out, _ := repo.GetByID(context.Background(), j.ID)

	return out
}

func TestRetryEngine_DuplicateFailureIsNoOp(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})
	engine := newTestRetryEngine(repo, newFakeWorkerClient(), registry, &recordingEnqueuer{})

	j := runningJob(t, repo, "R-4", "http://w1", time.Minute)

	engine.HandleFailure(context.Background(), j, job.NewExecError(job.KindNetworkError, "first report"))
	// the same stale snapshot reported again
	engine.HandleFailure(context.Background(), j, job.NewExecError(job.KindNetworkError, "late duplicate"))

	got, _ := repo.GetByID(context.Background(), j.ID)

	if got.RetryCount != 1 {
		t.Fatalf("duplicate failure consumed a retry: retry_count=%d", got.RetryCount)
	}
}

func TestRecoverStale(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})
	client := newFakeWorkerClient()

	// stuck is old and the worker denies knowing it; busy is old but the
	// worker still reports it running; fresh is inside the threshold
	stuck := runningJob(t, repo, "S-1", "http://w1", time.Hour)
	busy := runningJob(t, repo, "S-2", "http://w1", time.Hour)
	fresh := runningJob(t, repo, "S-3", "http://w1", time.Minute)

	client.statusFn = func(endpoint string, jobID int64) (StatusResponse, error) {
		if jobID == busy.ID {
			return StatusResponse{JobID: jobID, Status: "running"}, nil
		}
		return StatusResponse{}, ErrStatusNotFound
	}

	engine := newTestRetryEngine(repo, client, registry, &recordingEnqueuer{})
	engine.RecoverStale(context.Background())

	gotStuck, _ := repo.GetByID(context.Background(), stuck.ID)

	if gotStuck.Status != job.StatusPending {
		t.Fatalf("stuck job status = %s, want pending", gotStuck.Status)
	}
	if gotStuck.Error == nil || gotStuck.Error.Kind != job.KindLostHeartbeat {
		t.Fatalf("stuck job error = %v, want lost_heartbeat", gotStuck.Error)
	}

	gotBusy, _ := repo.GetByID(context.Background(), busy.ID)

	if gotBusy.Status != job.StatusRunning {
		t.Fatalf("busy job must be left running, status=%s", gotBusy.Status)
	}

	gotFresh, _ := repo.GetByID(context.Background(), fresh.ID)

	if gotFresh.Status != job.StatusRunning {
		t.Fatalf("fresh job must not be recovered, status=%s", gotFresh.Status)
	}
}
