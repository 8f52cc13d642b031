package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/repo/memory"
)

func TestCollector_CurrentAndHistory(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})

	c := NewCollector(repo, registry, nil, 4)

	if _, ok := c.Current(); ok {
		t.Fatalf("empty collector should have no current sample")
	}

	submitJob(t, repo, "M-1", 0)
	submitJob(t, repo, "M-2", 0)

	c.Collect(context.Background())

	sample, ok := c.Current()

	if !ok {
		t.Fatalf("expected a current sample")
	}
	if sample.Counts.Pending != 2 {
		t.Fatalf("pending count = %d, want 2", sample.Counts.Pending)
	}
	if sample.WorkerHealth["http://w1"] != "online" {
		t.Fatalf("worker health missing from sample")
	}
}

func TestCollector_RingWraps(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})

	c := NewCollector(repo, registry, nil, 3)

	for i := 0; i < 7; i++ {
		c.Collect(context.Background())
	}

	hist := c.History()

	if len(hist) != 3 {
		t.Fatalf("history length = %d, want ring size 3", len(hist))
	}

	// oldest first
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatalf("history out of order")
		}
	}
}

func TestCollector_Averages(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})

	c := NewCollector(repo, registry, nil, 8)

	submitJob(t, repo, "A-1", 0)
	c.Collect(context.Background())

	submitJob(t, repo, "A-2", 0)
	submitJob(t, repo, "A-3", 0)
	c.Collect(context.Background())

	avg := c.Averages()

	if avg.Samples != 2 {
		t.Fatalf("samples = %d, want 2", avg.Samples)
	}
	// (1 + 3) / 2
	if avg.Pending != 2 {
		t.Fatalf("average pending = %v, want 2", avg.Pending)
	}
}

// SnapshotCounts groups dispatching under pending; make sure the collector
// sees it that way too.

func TestCollector_DispatchingCountsAsPending(t *testing.T) {
	repo := memory.NewJobsRepo()
	registry := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})

	submitJob(t, repo, "DC-1", 0)

	if _, err := repo.ClaimNextReady(context.Background(), time.Now().UTC(), nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	counts, err := repo.SnapshotCounts(context.Background())

	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 {
		t.Fatalf("dispatching job should count as pending, got %+v", counts)
	}

	c := NewCollector(repo, registry, nil, 2)
	c.Collect(context.Background())

	sample, _ := c.Current()

	if sample.Counts != (job.Counts{Pending: 1}) {
		t.Fatalf("sample counts = %+v", sample.Counts)
	}
}
