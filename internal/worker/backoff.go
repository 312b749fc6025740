package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// claimJitter spreads retries of workers that failed on the same outage.
const claimJitter = 0.2

// newBackoff doubles a jittered wait from initial up to max.
func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: claimJitter,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done. It reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
