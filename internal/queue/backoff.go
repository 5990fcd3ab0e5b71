package queue

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff returns the retry delay before attempt n+1:
// min(BackoffCap, BackoffBase * 2^(n-1)) * (1 + jitter), jitter in
// [0, 0.25). n is the number of attempts already made and must be >= 1.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	d := BackoffBase
	for i := 1; i < n && d < BackoffCap; i++ {
		d *= 2
	}
	if d > BackoffCap {
		d = BackoffCap
	}

	return time.Duration(float64(d) * (1 + jitterFrac()*0.25))
}

// jitterFrac returns a uniform value in [0, 1) using crypto/rand, the
// same source the worker-side poll backoff uses.
func jitterFrac() float64 {
	limit := new(big.Int).Lsh(big.NewInt(1), 53) // 2^53
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return 0.5
	}
	return float64(v.Int64()) / float64(int64(1)<<53)
}
