// Package queue defines the internal fan-out job queue abstraction: a
// small at-least-once contract (send/receive/delete/changeVisibility/
// stats/purge/close/isConnected/kind) that both the in-process and the
// Redis-backed adapters implement identically, so the delivery engine
// and retry scheduler never depend on which one is wired in.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by operations attempted while
	// isConnected() would report false.
	ErrNotConnected = errors.New("queue: not connected")
	// ErrAttemptsExceeded is returned by ChangeVisibility (nonzero
	// timeout) when a message's attempt count has already reached the
	// adapter's configured maximum. Receive does not return it: it skips
	// such a message without an error. Both adapters
	// enforce this cap themselves rather than relying solely on the
	// delivery engine's own cap.
	ErrAttemptsExceeded = errors.New("queue: attempts exceeded")
	// ErrMessageNotFound is returned by Delete/ChangeVisibility when the
	// given message id is unknown or already deleted.
	ErrMessageNotFound = errors.New("queue: message not found")
)

// FanoutJob is the payload carried inside an Envelope: the identifiers
// of one event and one subscriber. The delivery engine loads the event,
// subscriber and transport binding from the store when it handles it.
type FanoutJob struct {
	EventID      int64  `json:"event_id"`
	SubscriberID int64  `json:"subscriber_id"`
	EventType    string `json:"event_type"`
}

// Envelope is the queue wire format: {id, data, timestamp, attempts,
// delayUntil}.
type Envelope struct {
	ID         string     `json:"id"`
	Data       FanoutJob  `json:"data"`
	Timestamp  time.Time  `json:"timestamp"`
	Attempts   int        `json:"attempts"`
	DelayUntil *time.Time `json:"delayUntil,omitempty"`
}

// Message is a received envelope plus the receipt handle needed to
// delete it or extend its visibility.
type Message struct {
	Envelope Envelope
	Receipt  string
}

// Stats summarizes queue depth for the readiness health check.
type Stats struct {
	Visible   int64
	InFlight  int64
	Delayed   int64
}

// Queue is the contract every transport-agnostic job queue adapter
// implements.
type Queue interface {
	// Send enqueues a fan-out job, optionally delayed until delayUntil.
	Send(ctx context.Context, job FanoutJob, delayUntil *time.Time) (string, error)

	// Receive returns up to max visible, non-delayed messages and makes
	// them invisible for visibilityTimeout.
	Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]Message, error)

	// Delete removes a message permanently (successful processing).
	Delete(ctx context.Context, receipt string) error

	// ChangeVisibility extends or clears (timeout==0) a message's
	// invisibility window; a timeout of 0 makes it immediately
	// receivable again (used on graceful shutdown to requeue in-flight
	// work). It does not change the attempt counter, which only Receive
	// increments, mirroring at-least-once redelivery semantics.
	ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error

	Stats(ctx context.Context) (Stats, error)
	Purge(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool
	Kind() string
}
