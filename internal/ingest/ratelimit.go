package ingest

import (
	"sync"

	"golang.org/x/time/rate"
)

// clientLimiters holds one token bucket per client IP, created lazily on
// first sight. There is no eviction: a process handling enough distinct
// client IPs to make this map a memory concern is already past the scale
// this in-process limiter is meant for (see §5's Non-goals).
type clientLimiters struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	ratePerMin   int
}

func newClientLimiters(requestsPerMinute int) *clientLimiters {
	return &clientLimiters{
		limiters:   make(map[string]*rate.Limiter),
		ratePerMin: requestsPerMinute,
	}
}

func (c *clientLimiters) allow(clientIP string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[clientIP]
	if !ok {
		// Burst equal to one minute's allotment lets a client spend its
		// whole budget in a single burst rather than being smoothed to an
		// even per-second trickle.
		limiter = rate.NewLimiter(rate.Limit(float64(c.ratePerMin)/60.0), c.ratePerMin)
		c.limiters[clientIP] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}
