package agent

import (
	"testing"
	"time"
)

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 400*time.Millisecond)

	// Jitter is ±25%, so each Next stays within [0.75, 1.25] of the delay
	// in effect before the call.
	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
	}
	for i, want := range expected {
		got := b.Next()
		lo := time.Duration(float64(want) * 0.75)
		hi := time.Duration(float64(want) * 1.25)
		if got < lo || got > hi {
			t.Errorf("Next() call %d = %v, want within [%v, %v]", i, got, lo, hi)
		}
	}
}

func TestBackoff_PinnedJitterIsDeterministic(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 400*time.Millisecond)
	b.jitter = func() float64 { return 0.5 } // zero spread

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
	}
	for i, want := range expected {
		if got := b.Next(); got != want {
			t.Errorf("Next() call %d = %v, want %v", i, got, want)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.Next()
	b.Next()
	b.Reset()

	got := b.Next()
	if got < 75*time.Millisecond || got > 125*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want around 100ms", got)
	}
}

func TestBackoff_DefaultsForNonPositiveBounds(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.minDelay != time.Second || b.maxDelay != 30*time.Second {
		t.Errorf("bounds = %v/%v, want 1s/30s", b.minDelay, b.maxDelay)
	}
}
