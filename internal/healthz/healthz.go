// Package healthz exposes GET /healthz/live and GET /healthz/ready,
// grounded on the teacher's internal/services/health.go HealthHandler
// (a worker supervisor's tracked status rendered as 200/503 JSON),
// generalized from "all workers healthy" alone to the four-part
// readiness contract this router's ingest surface promises: store
// reachable, at least one active subscriber, queue depth below
// threshold, recent failure rate below threshold.
package healthz

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/workerpool"
)

type Checker struct {
	store                store.EventStore
	cache                store.SubscriberCache
	queue                queue.Queue
	supervisor           *workerpool.WorkerSupervisor
	queueDepthThreshold  int64
	failureRateThreshold float64
}

func New(
	st store.EventStore,
	cache store.SubscriberCache,
	q queue.Queue,
	supervisor *workerpool.WorkerSupervisor,
	queueDepthThreshold int64,
	failureRateThreshold float64,
) *Checker {
	return &Checker{
		store:                st,
		cache:                cache,
		queue:                q,
		supervisor:           supervisor,
		queueDepthThreshold:  queueDepthThreshold,
		failureRateThreshold: failureRateThreshold,
	}
}

// Register wires GET /healthz/live and GET /healthz/ready onto r.
func (c *Checker) Register(r gin.IRouter) {
	r.GET("/healthz/live", c.live)
	r.GET("/healthz/ready", c.ready)
}

func (c *Checker) live(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "up"})
}

// ready runs each check in §6's fixed order and returns 503 with the
// first failing one, mirroring the ordered short-circuit the ingest
// handler itself uses for its request checks.
func (c *Checker) ready(ctx *gin.Context) {
	req := ctx.Request.Context()

	if err := c.store.Ping(req); err != nil {
		fail(ctx, "store unreachable")
		return
	}

	if ok, err := c.hasActiveSubscriber(req); err != nil || !ok {
		fail(ctx, "no active subscriber")
		return
	}

	if depth, ok := c.queueDepthExceeded(req); ok {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "down", "reason": "queue depth threshold exceeded", "depth": depth,
		})
		return
	}

	if rate, ok := c.failureRateExceeded(req); ok {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "down", "reason": "failure rate threshold exceeded", "failure_rate": rate,
		})
		return
	}

	if c.supervisor != nil && !c.supervisor.GetHealthTracker().IsHealthy() {
		ctx.JSON(http.StatusServiceUnavailable, c.supervisor.GetHealthTracker().GetStatus())
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "up"})
}

func fail(ctx *gin.Context, reason string) {
	ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "reason": reason})
}

func (c *Checker) hasActiveSubscriber(ctx context.Context) (bool, error) {
	subs, err := c.cache.Subscribers(ctx)
	if err != nil {
		return false, err
	}
	return len(subs) > 0, nil
}

func (c *Checker) queueDepthExceeded(ctx context.Context) (int64, bool) {
	if c.queueDepthThreshold <= 0 {
		return 0, false
	}
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return 0, false
	}
	depth := stats.Visible + stats.InFlight
	return depth, depth >= c.queueDepthThreshold
}

// failureRateExceeded approximates §6's "1-hour failure rate" with the
// share of all recorded events whose status is failed (events that
// moved on to dead-letter count toward the total only, since
// EventStats has no dead-letter count): EventStats
// summarizes the table as running totals with no time window, so a
// true trailing-hour rate would need a second, time-bucketed query
// this module's store interface does not expose. Documented as an
// accepted approximation rather than added scope.
func (c *Checker) failureRateExceeded(ctx context.Context) (float64, bool) {
	if c.failureRateThreshold <= 0 {
		return 0, false
	}
	stats, err := c.store.EventStats(ctx)
	if err != nil || stats.Total == 0 {
		return 0, false
	}
	rate := float64(stats.Failed) / float64(stats.Total)
	return rate, rate >= c.failureRateThreshold
}
