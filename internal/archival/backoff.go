package archival

import (
	"math"
	"math/rand"
	"time"
)

// exponentialBackoff computes the retry delay for a failed archival
// attempt: baseDelay * 2^attempt, capped at maxDelay, with +/-25% jitter
// so that parked retries across many machines don't all wake in lockstep.
func exponentialBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}

	const jitterFraction = 0.25
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	multiplier := 1.0 + (r.Float64()*2.0-1.0)*jitterFraction
	return time.Duration(float64(delay) * multiplier)
}
