package stream

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Cap,
// then scaled by a uniform factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Nominal returns the un-jittered delay for a zero-based attempt.
// It is non-decreasing in attempt and never exceeds Cap.
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	return d
}

// Delay returns the jittered delay for a zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	nominal := b.Nominal(attempt)
	if b.Jitter <= 0 {
		return nominal
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(nominal) * factor)
}
