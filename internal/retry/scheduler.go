// Package retry additionally provides the scheduler loop: at a
// configured interval it claims due retry rows from the store and
// re-enqueues each as a fan-out job, the same job shape a first
// delivery attempt uses, so internal/delivery's Handle treats a retry
// identically to an initial attempt. Grounded on the teacher's
// internal/deliverymq/retry.go NewRetryScheduler (poll loop re-
// publishing a RetryTask onto the delivery queue) generalized from its
// RSMQ-specific scheduler wrapper to a plain ticker loop over
// store.PendingRetries, since this module's queue abstraction already
// owns its own visibility/lease semantics independently of the store's.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
)

type Scheduler struct {
	store        store.EventStore
	queue        queue.Queue
	logger       *logging.Logger
	pollInterval time.Duration
	batchSize    int
	leaseTimeout time.Duration
}

type Option func(*Scheduler)

func WithPollInterval(d time.Duration) Option { return func(s *Scheduler) { s.pollInterval = d } }
func WithBatchSize(n int) Option              { return func(s *Scheduler) { s.batchSize = n } }
func WithLeaseTimeout(d time.Duration) Option  { return func(s *Scheduler) { s.leaseTimeout = d } }

func NewScheduler(st store.EventStore, q queue.Queue, logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		queue:        q,
		logger:       logger,
		pollInterval: 2 * time.Second,
		batchSize:    100,
		leaseTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled. If the process crashes mid-batch,
// the claimed-but-unprocessed rows are picked up either by
// ReclaimExpiredLeases on a later tick of this same instance, or by
// another instance once the lease expires, per spec §4.6's loop note.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if n, err := s.store.ReclaimExpiredLeases(ctx, s.leaseTimeout); err != nil {
			s.logger.Error("reclaim expired leases failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("reclaimed expired retry leases", zap.Int("count", n))
		}

		tasks, err := s.store.PendingRetries(ctx, s.batchSize)
		if err != nil {
			s.logger.Error("pending retries poll failed", zap.Error(err))
			continue
		}

		for _, task := range tasks {
			job := queue.FanoutJob{
				EventID:      task.EventID,
				SubscriberID: task.SubscriberID,
				EventType:    task.EventType,
			}
			if _, err := s.queue.Send(ctx, job, nil); err != nil {
				s.logger.Error("failed to enqueue retry",
					zap.Error(err),
					zap.Int64("event_id", task.EventID),
					zap.Int64("subscriber_id", task.SubscriberID))
				continue
			}
			s.logger.Audit("retry enqueued",
				zap.Int64("event_id", task.EventID),
				zap.Int64("subscriber_id", task.SubscriberID),
				zap.Int("attempt", task.NextAttempt))
		}
	}
}
