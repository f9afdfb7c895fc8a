package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hookrelay/hookrelay/internal/retry"
)

func TestLinearBackoff(t *testing.T) {
	b := &retry.LinearBackoff{Interval: 10 * time.Second}
	assert.Equal(t, 10*time.Second, b.Duration(0))
	assert.Equal(t, 20*time.Second, b.Duration(1))
	assert.Equal(t, 30*time.Second, b.Duration(2))
}

func TestLinearBackoffClampsToMaxDelay(t *testing.T) {
	b := &retry.LinearBackoff{Interval: 10 * time.Second, MaxDelay: 25 * time.Second}
	assert.Equal(t, 25*time.Second, b.Duration(5))
}

func TestExponentialBackoff(t *testing.T) {
	b := &retry.ExponentialBackoff{Interval: 30 * time.Second, Base: 2}
	assert.Equal(t, 30*time.Second, b.Duration(0))
	assert.Equal(t, 60*time.Second, b.Duration(1))
	assert.Equal(t, 120*time.Second, b.Duration(2))
}

func TestExponentialBackoffClampsToMaxDelay(t *testing.T) {
	b := &retry.ExponentialBackoff{Interval: 30 * time.Second, Base: 2, MaxDelay: time.Minute}
	assert.Equal(t, time.Minute, b.Duration(10))
}

func TestWithJitterStaysWithinBounds(t *testing.T) {
	inner := &retry.LinearBackoff{Interval: 100 * time.Second}
	j := &retry.WithJitter{Backoff: inner, Fraction: 0.1}

	for i := 0; i < 50; i++ {
		d := j.Duration(0)
		assert.GreaterOrEqual(t, d, 90*time.Second)
		assert.LessOrEqual(t, d, 110*time.Second)
	}
}
