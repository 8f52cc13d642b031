package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// RetryBackoff computes the delay before a failed job becomes eligible
// again. Exponential with ±20% jitter.
// retryCount=1 => base, =2 => 2*base, =3 => 4*base, capped.

func RetryBackoff(retryCount int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	if retryCount < 1 {
		retryCount = 1
	}

	multiple := math.Pow(2, float64(retryCount-1))
	delay := time.Duration(float64(base) * multiple)

	if delay > cap {
		delay = cap
	}

	// ±20% jitter to avoid retry herds against the same portal
	jitter := 0.8 + 0.4*rand.Float64()
	delay = time.Duration(float64(delay) * jitter)

	if delay > cap {
		delay = cap
	}

	return delay
}
