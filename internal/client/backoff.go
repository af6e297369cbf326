package client

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the sleep before retrying attempt (0-based):
// base^attempt seconds, capped at max, plus random jitter up to jitterMax to
// avoid synchronized retry storms.
func backoffDelay(attempt, base int, max, jitterMax time.Duration) time.Duration {
	exp := math.Pow(float64(base), float64(attempt))
	delay := time.Duration(exp * float64(time.Second))
	if delay > max || delay < 0 {
		delay = max
	}
	if jitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(jitterMax)))
	}
	return delay
}
