// Package retry provides the backoff policies and the polling loop
// that turns due rows in the store back into fan-out jobs on the
// queue. The backoff shapes mirror the teacher's internal/backoff
// package (Backoff interface, ExponentialBackoff{Interval,Base}) field
// for field; only the implementation file of that package did not
// survive distillation into the retrieved pack, so this is
// reconstructed from its surviving backoff_test.go expectations, then
// extended with a MaxDelay clamp and jitter per the specification.
package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the Nth retry (0-indexed: attempt
// 0 is the first retry after the initial delivery attempt).
type Backoff interface {
	Duration(attempt int) time.Duration
}

// LinearBackoff grows the delay by a fixed increment per attempt,
// clamped to MaxDelay once set.
type LinearBackoff struct {
	Interval time.Duration
	MaxDelay time.Duration
}

func (b *LinearBackoff) Duration(attempt int) time.Duration {
	d := b.Interval * time.Duration(attempt+1)
	return clamp(d, b.MaxDelay)
}

// ExponentialBackoff grows the delay by Base^attempt * Interval,
// clamped to MaxDelay once set.
type ExponentialBackoff struct {
	Interval time.Duration
	Base     int
	MaxDelay time.Duration
}

func (b *ExponentialBackoff) Duration(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2
	}
	d := b.Interval
	for i := 0; i < attempt; i++ {
		d *= time.Duration(base)
	}
	return clamp(d, b.MaxDelay)
}

func clamp(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// WithJitter wraps a Backoff and applies uniform jitter of ±fraction to
// every computed duration, so a burst of retries scheduled at the same
// instant doesn't all wake up on the same tick.
type WithJitter struct {
	Backoff  Backoff
	Fraction float64
}

func (j *WithJitter) Duration(attempt int) time.Duration {
	d := j.Backoff.Duration(attempt)
	frac := j.Fraction
	if frac <= 0 {
		frac = 0.1
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	result := float64(d) + offset
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}
