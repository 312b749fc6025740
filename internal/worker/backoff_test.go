package worker

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 50*time.Millisecond)
	base := []time.Duration{10, 20, 40, 50, 50}
	for i, ms := range base {
		want := ms * time.Millisecond
		lo := time.Duration(float64(want) * (1 - claimJitter))
		hi := time.Duration(float64(want)*(1+claimJitter)) + time.Nanosecond
		if got := b.NextBackOff(); got < lo || got > hi {
			t.Fatalf("step %d: expected %s within [%s, %s], got %s", i, want, lo, hi, got)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got > 12*time.Millisecond {
		t.Fatalf("expected reset to initial, got %s", got)
	}
}

func TestSleepReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if sleep(ctx, time.Minute) {
		t.Fatal("expected sleep to report cancellation")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return promptly")
	}
}
