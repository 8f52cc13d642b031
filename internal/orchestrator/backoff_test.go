package orchestrator

import (
	"testing"
	"time"
)

func TestRetryBackoff_Bounds(t *testing.T) {
	base := 30 * time.Second
	cap := 10 * time.Minute

	for retry := 1; retry <= 10; retry++ {
		for i := 0; i < 50; i++ {
			d := RetryBackoff(retry, base, cap)

			expected := base << (retry - 1)

			if expected > cap {
				expected = cap
			}

			min := time.Duration(float64(expected) * 0.8)

			if d < min {
				t.Fatalf("retry=%d delay %s below jitter floor %s", retry, d, min)
			}
			if d > cap {
				t.Fatalf("retry=%d delay %s exceeds cap %s", retry, d, cap)
			}
		}
	}
}

func TestRetryBackoff_Grows(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	// with ±20% jitter, retry n+2 is always longer than retry n
	for retry := 1; retry <= 4; retry++ {
		lo := RetryBackoff(retry, base, cap)
		hi := RetryBackoff(retry+2, base, cap)

		if hi <= lo {
			t.Fatalf("backoff not growing: retry=%d %s vs retry=%d %s", retry, lo, retry+2, hi)
		}
	}
}

func TestRetryBackoff_Defaults(t *testing.T) {
	d := RetryBackoff(0, 0, 0)

	if d <= 0 {
		t.Fatalf("expected positive delay, got %s", d)
	}
	if d > 10*time.Minute {
		t.Fatalf("default cap exceeded: %s", d)
	}
}
