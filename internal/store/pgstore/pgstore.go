// Package pgstore is the Postgres-backed implementation of store.EventStore,
// following the bare-pgx style of the example pack's pglogstore: a thin
// layer over *pgxpool.Pool with hand-written SQL, no ORM.
//
// Expected schema (provisioning is out of scope for this package, see
// spec's Non-goals on migration tooling):
//
//	CREATE TABLE subscribers (
//	    id BIGSERIAL PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    events TEXT[] NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE transports (
//	    id BIGSERIAL PRIMARY KEY,
//	    subscriber_id BIGINT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
//	    kind TEXT NOT NULL,
//	    config TEXT NOT NULL,
//	    disabled_at TIMESTAMPTZ
//	);
//	CREATE TABLE events (
//	    id BIGSERIAL PRIMARY KEY,
//	    upstream_delivery_id TEXT NOT NULL UNIQUE,
//	    event_type TEXT NOT NULL,
//	    payload_hash TEXT NOT NULL,
//	    payload_size BIGINT NOT NULL,
//	    payload_data TEXT NOT NULL,
//	    headers_data TEXT NOT NULL,
//	    received_at TIMESTAMPTZ NOT NULL,
//	    processed_at TIMESTAMPTZ,
//	    status TEXT NOT NULL,
//	    outstanding_deliveries INT NOT NULL DEFAULT 0
//	);
//	CREATE INDEX ON events(status);
//	CREATE INDEX ON events(received_at DESC);
//	CREATE TABLE delivery_attempts (
//	    id BIGSERIAL PRIMARY KEY,
//	    event_id BIGINT NOT NULL REFERENCES events(id),
//	    subscriber_id BIGINT NOT NULL REFERENCES subscribers(id),
//	    attempt_number INT NOT NULL,
//	    status_code INT,
//	    error_message TEXT,
//	    attempted_at TIMESTAMPTZ NOT NULL,
//	    duration_ms BIGINT,
//	    next_retry_at TIMESTAMPTZ,
//	    claimed_at TIMESTAMPTZ
//	);
//	CREATE INDEX ON delivery_attempts(event_id, subscriber_id);
//	CREATE UNIQUE INDEX ON delivery_attempts(event_id, subscriber_id, attempt_number);
//	CREATE INDEX ON delivery_attempts(next_retry_at) WHERE next_retry_at IS NOT NULL;
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/store"
)

type pgStore struct {
	db *pgxpool.Pool
}

var _ store.EventStore = (*pgStore)(nil)

func New(db *pgxpool.Pool) store.EventStore {
	return &pgStore{db: db}
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *pgStore) Close() {
	s.db.Close()
}

func (s *pgStore) StoreEvent(ctx context.Context, e *models.Event) (*models.Event, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO events (
			upstream_delivery_id, event_type, payload_hash, payload_size,
			payload_data, headers_data, received_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (upstream_delivery_id) DO NOTHING
		RETURNING id, received_at
	`, e.UpstreamDeliveryID, e.EventType, e.PayloadHash, e.PayloadSize,
		e.PayloadData, e.HeadersData, e.ReceivedAt, models.StatusPending)

	var id int64
	var receivedAt time.Time
	err := row.Scan(&id, &receivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.getEventByDeliveryID(ctx, e.UpstreamDeliveryID)
		if getErr != nil {
			return nil, fmt.Errorf("pgstore: lookup after conflict: %w", getErr)
		}
		return existing, models.ErrEventAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: insert event: %w", err)
	}

	out := *e
	out.ID = id
	out.ReceivedAt = receivedAt
	out.Status = models.StatusPending
	return &out, nil
}

func (s *pgStore) getEventByDeliveryID(ctx context.Context, upstreamDeliveryID string) (*models.Event, error) {
	row := s.db.QueryRow(ctx, eventSelectColumns+` WHERE upstream_delivery_id = $1`, upstreamDeliveryID)
	return scanEvent(row)
}

const eventSelectColumns = `
	SELECT id, upstream_delivery_id, event_type, payload_hash, payload_size,
	       payload_data, headers_data, received_at, processed_at, status
	FROM events
`

func scanEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	if err := row.Scan(
		&e.ID, &e.UpstreamDeliveryID, &e.EventType, &e.PayloadHash, &e.PayloadSize,
		&e.PayloadData, &e.HeadersData, &e.ReceivedAt, &e.ProcessedAt, &e.Status,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrEventNotFound
		}
		return nil, fmt.Errorf("pgstore: scan event: %w", err)
	}
	return &e, nil
}

func (s *pgStore) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	row := s.db.QueryRow(ctx, eventSelectColumns+` WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *pgStore) SetEventStatus(ctx context.Context, id int64, status models.Status) error {
	var processedAt any
	if status.Terminal() {
		processedAt = time.Now().UTC()
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE events SET status = $1, processed_at = COALESCE($2, processed_at)
		WHERE id = $3
	`, status, processedAt, id)
	if err != nil {
		return fmt.Errorf("pgstore: set event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrEventNotFound
	}
	return nil
}

func (s *pgStore) EventStats(ctx context.Context) (models.EventStats, error) {
	var stats models.EventStats
	row := s.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status = $2),
			count(*) FILTER (WHERE status = $3)
		FROM events
	`, models.StatusPending, models.StatusFailed, models.StatusCompleted)
	if err := row.Scan(&stats.Total, &stats.Pending, &stats.Failed, &stats.Completed); err != nil {
		return stats, fmt.Errorf("pgstore: event stats: %w", err)
	}
	return stats, nil
}

func (s *pgStore) NextAttemptNumber(ctx context.Context, eventID, subscriberID int64) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) + 1
		FROM delivery_attempts WHERE event_id = $1 AND subscriber_id = $2
	`, eventID, subscriberID)
	var next int
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("pgstore: next attempt number: %w", err)
	}
	return next, nil
}

func (s *pgStore) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) (*models.DeliveryAttempt, error) {
	row := s.db.QueryRow(ctx, `
		WITH released AS (
			UPDATE delivery_attempts SET claimed_at = NULL
			WHERE event_id = $1 AND subscriber_id = $2 AND claimed_at IS NOT NULL
		)
		INSERT INTO delivery_attempts (
			event_id, subscriber_id, attempt_number, status_code,
			error_message, attempted_at, duration_ms, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, a.EventID, a.SubscriberID, a.AttemptNumber, a.StatusCode,
		a.ErrorMessage, a.AttemptedAt, a.DurationMS, a.NextRetryAt)

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("pgstore: record attempt: %w", err)
	}
	out := *a
	out.ID = id
	return &out, nil
}

func (s *pgStore) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, nextRetryAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_attempts SET next_retry_at = $1, claimed_at = NULL
		WHERE id = (
			SELECT id FROM delivery_attempts
			WHERE event_id = $2 AND subscriber_id = $3
			ORDER BY attempt_number DESC LIMIT 1
		)
	`, nextRetryAt, eventID, subscriberID)
	if err != nil {
		return fmt.Errorf("pgstore: schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrEventNotFound
	}
	return nil
}

// PendingRetries claims due rows in one statement: the UPDATE both
// selects (via the WHERE clause) and clears next_retry_at, so a
// concurrently-running poller's own UPDATE cannot also match the same
// row. claimed_at records the lease start for ReclaimExpiredLeases.
func (s *pgStore) PendingRetries(ctx context.Context, limit int) ([]models.RetryTask, error) {
	rows, err := s.db.Query(ctx, `
		WITH due AS (
			SELECT da.id
			FROM delivery_attempts da
			WHERE da.next_retry_at IS NOT NULL AND da.next_retry_at <= now()
			ORDER BY da.next_retry_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_attempts da
		SET next_retry_at = NULL, claimed_at = now()
		FROM due, events e
		WHERE da.id = due.id AND e.id = da.event_id
		RETURNING da.event_id, da.subscriber_id, da.attempt_number + 1,
		          e.payload_data, e.headers_data, e.event_type, e.upstream_delivery_id
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: pending retries: %w", err)
	}
	defer rows.Close()

	var tasks []models.RetryTask
	for rows.Next() {
		var t models.RetryTask
		if err := rows.Scan(&t.EventID, &t.SubscriberID, &t.NextAttempt,
			&t.PayloadData, &t.HeadersData, &t.EventType, &t.UpstreamDeliveryID); err != nil {
			return nil, fmt.Errorf("pgstore: scan retry task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: pending retries rows: %w", err)
	}
	return tasks, nil
}

// ReclaimExpiredLeases resets rows that were claimed but never followed
// up with either a fresh attempt (which clears claimed_at) or a new
// scheduled retry, closing the crash-window between claim and attempt.
func (s *pgStore) ReclaimExpiredLeases(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_attempts
		SET next_retry_at = now(), claimed_at = NULL
		WHERE claimed_at IS NOT NULL AND claimed_at <= $1
	`, time.Now().Add(-leaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("pgstore: reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) GetSubscriber(ctx context.Context, id int64) (*models.Subscriber, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, events, created_at, updated_at FROM subscribers WHERE id = $1
	`, id)
	var sub models.Subscriber
	if err := row.Scan(&sub.ID, &sub.Name, &sub.EventTypes, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("pgstore: get subscriber: %w", err)
	}
	return &sub, nil
}

func (s *pgStore) ListSubscribers(ctx context.Context) ([]*models.Subscriber, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, events, created_at, updated_at FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.EventTypes, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan subscriber: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *pgStore) GetTransportBinding(ctx context.Context, subscriberID int64) (*models.TransportBinding, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, subscriber_id, kind, config, disabled_at
		FROM transports WHERE subscriber_id = $1
	`, subscriberID)
	var t models.TransportBinding
	if err := row.Scan(&t.ID, &t.SubscriberID, &t.Kind, &t.Config, &t.DisabledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTransportNotFound
		}
		return nil, fmt.Errorf("pgstore: get transport binding: %w", err)
	}
	return &t, nil
}

func (s *pgStore) InitOutstanding(ctx context.Context, eventID int64, subscriberCount int) error {
	_, err := s.db.Exec(ctx, `UPDATE events SET outstanding_deliveries = $1 WHERE id = $2`, subscriberCount, eventID)
	if err != nil {
		return fmt.Errorf("pgstore: init outstanding: %w", err)
	}
	return nil
}

func (s *pgStore) DecrementOutstanding(ctx context.Context, eventID int64) (int, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE events SET outstanding_deliveries = outstanding_deliveries - 1
		WHERE id = $1
		RETURNING outstanding_deliveries
	`, eventID)
	var remaining int
	if err := row.Scan(&remaining); err != nil {
		return 0, fmt.Errorf("pgstore: decrement outstanding: %w", err)
	}
	return remaining, nil
}
