package background

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewBackoff returns an exponential backoff capped at max that never gives up.
func NewBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryDelay is the deterministic delay before retry number attempts
// (starting at 1). Used for retries whose state is persisted, where the
// attempt count is all that survives a restart.
func RetryDelay(attempts int, initial, max time.Duration) time.Duration {
	b := NewBackoff(initial, max)
	b.RandomizationFactor = 0
	b.Reset()
	d := initial
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
