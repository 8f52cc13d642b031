package orchestrator

import (
	"testing"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/worker"
)

func TestRegistry_AvailableRotates(t *testing.T) {
	r := onlineRegistry([]string{"http://w1", "http://w2", "http://w3"}, 4, []string{"dev"})

	first := r.Available()
	second := r.Available()

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected all 3 workers available")
	}

	if first[0].Endpoint == second[0].Endpoint {
		t.Fatalf("round robin should rotate the starting worker")
	}
}

func TestRegistry_CapacityRespected(t *testing.T) {
	r := onlineRegistry([]string{"http://w1"}, 2, []string{"dev"})

	r.NoteDispatchOK("http://w1")
	r.NoteDispatchOK("http://w1")

	if avail := r.Available(); len(avail) != 0 {
		t.Fatalf("full worker must not be available")
	}

	r.NoteJobFinished("http://w1")

	if avail := r.Available(); len(avail) != 1 {
		t.Fatalf("worker with spare capacity should be available again")
	}
}

func TestRegistry_DegradedAfterConsecutiveFailures(t *testing.T) {
	r := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})

	r.NoteDispatchFailure("http://w1")
	r.NoteDispatchFailure("http://w1")

	if len(r.Available()) != 1 {
		t.Fatalf("worker degraded too early")
	}

	r.NoteDispatchFailure("http://w1")

	if len(r.Available()) != 0 {
		t.Fatalf("worker should be degraded after 3 consecutive failures")
	}

	// a successful probe brings it back
	r.ApplyProbe("http://w1", 4, 0, []string{"dev"})

	if len(r.Available()) != 1 {
		t.Fatalf("probe should clear degraded state")
	}
}

func TestRegistry_ProbeFailuresGoOffline(t *testing.T) {
	r := onlineRegistry([]string{"http://w1"}, 4, []string{"dev"})

	r.NoteProbeFailure("http://w1")

	snap := r.Snapshot()

	if snap[0].Health != worker.HealthDegraded {
		t.Fatalf("one probe failure should degrade, got %s", snap[0].Health)
	}

	r.NoteProbeFailure("http://w1")
	r.NoteProbeFailure("http://w1")

	snap = r.Snapshot()

	if snap[0].Health != worker.HealthOffline {
		t.Fatalf("repeated probe failures should go offline, got %s", snap[0].Health)
	}
}

func TestRegistry_HealthMap(t *testing.T) {
	r := NewRegistry([]string{"http://w1", "http://w2"}, 3)
	r.ApplyProbe("http://w1", 4, 1, []string{"dev"})

	m := r.HealthMap()

	if m["http://w1"] != "online" {
		t.Fatalf("w1 health = %s", m["http://w1"])
	}
	if m["http://w2"] != "offline" {
		t.Fatalf("unprobed worker health = %s, want offline", m["http://w2"])
	}
}
