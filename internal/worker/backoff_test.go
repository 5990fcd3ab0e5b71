package worker

import (
	"testing"
	"time"
)

func TestBackoffNextDoublesUntilMax(t *testing.T) {
	t.Parallel()

	b := NewBackoff(1*time.Second, 8*time.Second)

	// Each call returns roughly the current delay (±25% jitter) and then
	// doubles it.
	expected := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, base := range expected {
		d := b.Next()
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		if d < lo || d > hi {
			t.Fatalf("call %d: got %v, want within [%v, %v]", i, d, lo, hi)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	t.Parallel()

	b := NewBackoff(1*time.Second, 1*time.Minute)
	b.Next()
	b.Next()
	b.Reset()

	d := b.Next()
	lo := time.Duration(float64(time.Second) * 0.75)
	hi := time.Duration(float64(time.Second) * 1.25)
	if d < lo || d > hi {
		t.Fatalf("after reset got %v, want within [%v, %v]", d, lo, hi)
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := NewBackoff(0, 0)
	if b.min != 1*time.Second {
		t.Fatalf("expected default min 1s, got %v", b.min)
	}
	if b.max != 5*time.Minute {
		t.Fatalf("expected default max 5m, got %v", b.max)
	}
}
