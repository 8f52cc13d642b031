package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/evidence"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
)

func create(t *testing.T, r *JobsRepo, externalID string, priority int) job.Job {
	t.Helper()

	j, _, err := r.Create(context.Background(), job.CreateRequest{
		ExternalID: externalID,
		Provider:   job.ProviderOSN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
		Priority:   priority,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return j
}

func TestCreate_Idempotent(t *testing.T) {
	r := NewJobsRepo()

	first, created, err := r.Create(context.Background(), job.CreateRequest{
		ExternalID: "X",
		Provider:   job.ProviderOSN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}

	second, created, err := r.Create(context.Background(), job.CreateRequest{
		ExternalID: "X",
		Provider:   job.ProviderOSN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if created {
		t.Fatalf("resubmission must not create a new job")
	}
	if second.ID != first.ID {
		t.Fatalf("resubmission returned id %d, want %d", second.ID, first.ID)
	}

	// same external id under a different provider is a different job
	other, created, err := r.Create(context.Background(), job.CreateRequest{
		ExternalID: "X",
		Provider:   job.ProviderMFN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})
	if err != nil || !created {
		t.Fatalf("cross-provider create: %v created=%v", err, created)
	}
	if other.ID == first.ID {
		t.Fatalf("providers must not share the idempotency namespace")
	}
}

func TestClaimNextReady_OrderAndEligibility(t *testing.T) {
	r := NewJobsRepo()
	now := time.Now().UTC()

	low := create(t, r, "low", 1)
	high := create(t, r, "high", 9)

	// high priority but not yet eligible
	future := now.Add(time.Hour)
	waiting := create(t, r, "waiting", 99)

	if err := r.Transition(context.Background(), waiting.ID, job.StatusPending, job.StatusDispatching, job.Patch{}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := r.Transition(context.Background(), waiting.ID, job.StatusDispatching, job.StatusPending, job.Patch{NextRunAt: &future}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	claimed, err := r.ClaimNextReady(context.Background(), now, nil)

	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != high.ID {
		t.Fatalf("claimed %d, want the high-priority job %d", claimed.ID, high.ID)
	}
	if claimed.Status != job.StatusDispatching {
		t.Fatalf("claimed job status = %s", claimed.Status)
	}

	claimed, err = r.ClaimNextReady(context.Background(), now, nil)

	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed.ID != low.ID {
		t.Fatalf("claimed %d, want %d", claimed.ID, low.ID)
	}

	// only the waiting job is left and it is not eligible
	if _, err := r.ClaimNextReady(context.Background(), now, nil); !errors.Is(err, job.ErrJobNotFound) {
		t.Fatalf("expected no eligible job, got %v", err)
	}
}

func TestClaimNextReady_FIFOWithinPriority(t *testing.T) {
	r := NewJobsRepo()

	first := create(t, r, "one", 5)
	create(t, r, "two", 5)

	claimed, err := r.ClaimNextReady(context.Background(), time.Now().UTC(), nil)

	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Fatalf("ties must go to the oldest job; claimed %d", claimed.ID)
	}
}

func TestTransition_CASConflict(t *testing.T) {
	r := NewJobsRepo()

	j := create(t, r, "cas", 0)

	if err := r.Transition(context.Background(), j.ID, job.StatusPending, job.StatusDispatching, job.Patch{}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	err := r.Transition(context.Background(), j.ID, job.StatusPending, job.StatusDispatching, job.Patch{})

	if !errors.Is(err, job.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	err = r.Transition(context.Background(), j.ID, job.StatusPending, job.StatusRunning, job.Patch{})

	if !errors.Is(err, job.ErrStateConflict) {
		t.Fatalf("illegal transition should be rejected, got %v", err)
	}
}

func TestTerminalStatesPersist(t *testing.T) {
	r := NewJobsRepo()

	j := create(t, r, "terminal", 0)
	w := "http://w1"
	now := time.Now().UTC()

	_ = r.Transition(context.Background(), j.ID, job.StatusPending, job.StatusDispatching, job.Patch{})
	_ = r.Transition(context.Background(), j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{AssignedWorker: &w, StartedAt: &now})

	if err := r.RecordResult(context.Background(), j.ID, &job.Result{Status: "success"}, nil, job.StatusCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	for _, to := range []job.Status{job.StatusPending, job.StatusDispatching, job.StatusRunning, job.StatusFailed, job.StatusDead} {
		err := r.Transition(context.Background(), j.ID, job.StatusCompleted, to, job.Patch{})

		if err == nil {
			t.Fatalf("completed job re-entered %s", to)
		}
	}
}

func TestMarkCallback_AtMostOnceDelivered(t *testing.T) {
	r := NewJobsRepo()

	j := create(t, r, "cb", 0)

	if err := r.MarkCallback(context.Background(), j.ID, job.CallbackDelivered, 1); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}

	err := r.MarkCallback(context.Background(), j.ID, job.CallbackFailed, 2)

	if !errors.Is(err, job.ErrStateConflict) {
		t.Fatalf("delivered callback was overwritten: %v", err)
	}
}

func TestRetryDead(t *testing.T) {
	r := NewJobsRepo()

	j := create(t, r, "dead", 0)

	if err := r.RetryDead(context.Background(), j.ID); !errors.Is(err, job.ErrNotDead) {
		t.Fatalf("retrying a live job should fail, got %v", err)
	}

	now := time.Now().UTC()
	w := "http://w1"
	three := 3

	_ = r.Transition(context.Background(), j.ID, job.StatusPending, job.StatusDispatching, job.Patch{})
	_ = r.Transition(context.Background(), j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{AssignedWorker: &w, StartedAt: &now})
	_ = r.Transition(context.Background(), j.ID, job.StatusRunning, job.StatusFailed, job.Patch{Error: job.NewExecError(job.KindAuthError, "no")})
	_ = r.Transition(context.Background(), j.ID, job.StatusFailed, job.StatusDead, job.Patch{CompletedAt: &now, RetryCount: &three})

	if err := r.RetryDead(context.Background(), j.ID); err != nil {
		t.Fatalf("retry dead: %v", err)
	}

	got, _ := r.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusPending || got.RetryCount != 0 || got.Error != nil {
		t.Fatalf("retried job = status %s retries %d err %v", got.Status, got.RetryCount, got.Error)
	}
	if got.CallbackStatus != job.CallbackPending {
		t.Fatalf("retried job callback status = %s", got.CallbackStatus)
	}
}

func TestListStale(t *testing.T) {
	r := NewJobsRepo()
	now := time.Now().UTC()
	w := "http://w1"

	fresh := create(t, r, "fresh", 0)
	old := create(t, r, "old", 0)

	freshStart := now.Add(-29 * time.Minute)
	oldStart := now.Add(-31 * time.Minute)

	_ = r.Transition(context.Background(), fresh.ID, job.StatusPending, job.StatusDispatching, job.Patch{})
	_ = r.Transition(context.Background(), fresh.ID, job.StatusDispatching, job.StatusRunning, job.Patch{AssignedWorker: &w, StartedAt: &freshStart})
	_ = r.Transition(context.Background(), old.ID, job.StatusPending, job.StatusDispatching, job.Patch{})
	_ = r.Transition(context.Background(), old.ID, job.StatusDispatching, job.StatusRunning, job.Patch{AssignedWorker: &w, StartedAt: &oldStart})

	stale, err := r.ListStale(context.Background(), 30*time.Minute, now)

	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("stale = %v", stale)
	}
}

func TestEvidencePurge(t *testing.T) {
	r := NewJobsRepo()

	j := create(t, r, "ev", 0)

	oldRec := evidence.Record{JobID: j.ID, Name: "old.png", MimeType: "image/png", Payload: []byte{1}, CreatedAt: time.Now().UTC().AddDate(0, 0, -40)}
	newRec := evidence.Record{JobID: j.ID, Name: "new.png", MimeType: "image/png", Payload: []byte{2}, CreatedAt: time.Now().UTC()}

	if _, err := r.Append(context.Background(), oldRec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := r.Append(context.Background(), newRec); err != nil {
		t.Fatalf("append: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -30)

	removed, err := r.PurgeEvidenceOlderThan(context.Background(), cutoff)

	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("purged %d records, want 1", removed)
	}

	left, _ := r.ListEvidence(context.Background(), j.ID)

	if len(left) != 1 || left[0].Name != "new.png" {
		t.Fatalf("remaining evidence = %v", left)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	r := NewJobsRepo()

	j := create(t, r, "hist", 0)

	_ = r.Transition(context.Background(), j.ID, job.StatusPending, job.StatusDispatching, job.Patch{HistoryDetail: "claimed"})
	w := "http://w1"
	now := time.Now().UTC()
	_ = r.Transition(context.Background(), j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{AssignedWorker: &w, StartedAt: &now, HistoryDetail: "dispatched"})

	hist, err := r.History(context.Background(), j.ID)

	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].ToStatus != job.StatusDispatching || hist[1].ToStatus != job.StatusRunning {
		t.Fatalf("history order wrong: %+v", hist)
	}
}
