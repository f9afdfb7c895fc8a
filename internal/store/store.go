// Package store defines the durable-storage contract the delivery
// pipeline is built against. Concrete implementations live in
// sub-packages (pgstore for Postgres, rediscache for the subscriber
// cache) so the rest of the module depends only on this interface.
package store

import (
	"context"
	"time"

	"github.com/hookrelay/hookrelay/internal/models"
)

// EventStore is the durable record of ingested events and the delivery
// attempts made against them. Implementations must make StoreEvent
// atomic with respect to the upstream-delivery-id uniqueness check, and
// PendingRetries must not return the same row to two concurrent callers.
type EventStore interface {
	// StoreEvent persists a new event. If an event with the same
	// UpstreamDeliveryID already exists, it returns the existing row and
	// models.ErrEventAlreadyExists (the ingest path treats this as
	// success, not failure).
	StoreEvent(ctx context.Context, e *models.Event) (*models.Event, error)

	GetEvent(ctx context.Context, id int64) (*models.Event, error)

	// SetEventStatus sets the event's status. The edge is not checked
	// against models.CanTransition; any status may be written. When the
	// new status is terminal (completed or dead-letter), processedAt is
	// stamped.
	SetEventStatus(ctx context.Context, id int64, status models.Status) error

	EventStats(ctx context.Context) (models.EventStats, error)

	// RecordAttempt appends a delivery attempt row. AttemptNumber must be
	// the next dense integer for the (event, subscriber) pair; callers
	// compute it via NextAttemptNumber.
	RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) (*models.DeliveryAttempt, error)

	NextAttemptNumber(ctx context.Context, eventID, subscriberID int64) (int, error)

	// ScheduleRetry sets next_retry_at on the most recent attempt row for
	// (event, subscriber). At most one attempt row per pair may carry a
	// non-null next_retry_at at a time.
	ScheduleRetry(ctx context.Context, eventID, subscriberID int64, nextRetryAt time.Time) error

	// PendingRetries atomically claims up to limit due retry rows: it
	// clears next_retry_at as part of the same statement that selects
	// the rows, so a concurrent caller's poll cannot also claim them.
	// Claimed rows are additionally stamped with a claim lease; a row
	// whose lease expires without a follow-up attempt becomes claimable
	// again (see ReclaimExpiredLeases).
	PendingRetries(ctx context.Context, limit int) ([]models.RetryTask, error)

	// ReclaimExpiredLeases resets claimed-but-abandoned retry rows (crash
	// between claim and attempt) back to immediately due, and returns how
	// many rows were reclaimed.
	ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int, error)

	GetSubscriber(ctx context.Context, id int64) (*models.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]*models.Subscriber, error)
	GetTransportBinding(ctx context.Context, subscriberID int64) (*models.TransportBinding, error)

	// OutstandingDeliveries tracks, per event, how many subscribers have
	// not yet reached a terminal attempt outcome. It backs the "event
	// completion reflects all subscribers" resolution (see DESIGN.md):
	// InitOutstanding is called once when an event is fanned out,
	// DecrementOutstanding is called after each subscriber's attempt
	// reaches a terminal state (success, permanent failure, or dead
	// letter) and returns the remaining count.
	InitOutstanding(ctx context.Context, eventID int64, subscriberCount int) error
	DecrementOutstanding(ctx context.Context, eventID int64) (remaining int, err error)

	Ping(ctx context.Context) error
	Close()
}

// SubscriberCache is the process-local read path for subscriber and
// transport-binding lookups, refreshed only when the backing version
// counter advances. Implemented by internal/subscache, backed by the
// VersionCounter that rediscache.NewVersionCounter returns.
type SubscriberCache interface {
	Subscribers(ctx context.Context) ([]*models.Subscriber, error)
	TransportBinding(ctx context.Context, subscriberID int64) (*models.TransportBinding, error)
}

// VersionCounter is the Redis-backed invalidation signal for
// SubscriberCache: any out-of-process mutation of subscribers or
// transport bindings increments it.
type VersionCounter interface {
	Version(ctx context.Context) (int64, error)
	Bump(ctx context.Context) (int64, error)
}
