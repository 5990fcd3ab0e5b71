package worker

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff paces the claim loop when the queue is empty or the server is
// unreachable. Delays start at the minimum, double per consecutive call,
// and clamp at the maximum; ±25% jitter keeps an idle worker fleet from
// polling in lockstep.
type Backoff struct {
	min     time.Duration
	max     time.Duration
	attempt uint
}

// NewBackoff creates a Backoff with provided min and max delays.
func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = 1 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	return &Backoff{min: minDelay, max: maxDelay}
}

// Next returns the delay to sleep before the next poll and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	d := b.min << b.attempt
	if d <= 0 || d >= b.max {
		d = b.max
	} else {
		b.attempt++
	}

	jittered := time.Duration(float64(d) * (1 + (randFrac()-0.5)*0.5))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// Reset drops the schedule back to the minimum delay after a successful
// claim.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// randFrac returns a uniform value in [0, 1) from crypto/rand; the call
// rate is one per poll, so the cost does not matter.
func randFrac() float64 {
	v, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 53))
	if err != nil {
		return 0.5
	}
	return float64(v.Int64()) / float64(int64(1)<<53)
}
