// Package models defines the core entities of the webhook router: the
// subscriber/transport-binding configuration surface, the event and
// delivery-attempt records the store persists, and the retry task view
// derived from them.
package models

import (
	"encoding"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	ErrSubscriberNotFound  = errors.New("subscriber not found")
	ErrTransportNotFound   = errors.New("transport binding not found")
	ErrEventAlreadyExists  = errors.New("event already exists")
	ErrEventNotFound       = errors.New("event not found")
	ErrInvalidEventTypes   = errors.New("subscriber must have at least one event type")
	ErrTransportDisabled   = errors.New("transport binding disabled")
	ErrTransportNotResolved = errors.New("transport binding could not be resolved")
)

// Status is the processing status of an Event. Transitions are monotone
// along pending -> processing -> {completed, failed, dead-letter}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead-letter"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// validTransitions enumerates the state machine edges of §8 invariant 8.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusDeadLetter},
	StatusFailed:     {StatusDeadLetter},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransportKind identifies which adapter a TransportBinding targets.
type TransportKind string

const (
	TransportHTTPWebhook     TransportKind = "http-webhook"
	TransportPubSub          TransportKind = "pubsub"
	TransportLogStreamBroker TransportKind = "log-stream-broker"
	TransportCloudQueue      TransportKind = "cloud-queue"
	TransportCloudEventBus   TransportKind = "cloud-event-bus"
	TransportAMQPBroker      TransportKind = "amqp-broker"
)

// ConfigBlob is an opaque name->value bag serialized as JSON, used for
// both transport configuration and the ingest header allowlist capture.
type ConfigBlob map[string]string

var _ encoding.BinaryMarshaler = ConfigBlob{}
var _ encoding.BinaryUnmarshaler = (*ConfigBlob)(nil)

func (c ConfigBlob) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

func (c *ConfigBlob) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*c = ConfigBlob{}
		return nil
	}
	return json.Unmarshal(data, c)
}

// EventTypes is the set of event-type strings a subscriber accepts.
type EventTypes []string

func (t EventTypes) Matches(eventType string) bool {
	return slices.Contains(t, eventType)
}

func (t EventTypes) Validate() error {
	if len(t) == 0 {
		return ErrInvalidEventTypes
	}
	return nil
}

// Subscriber is an identity with a name and the set of event types it
// wants delivered. Owns exactly one TransportBinding (1:1).
type Subscriber struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	EventTypes EventTypes `json:"event_types"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (s *Subscriber) Validate() error {
	return s.EventTypes.Validate()
}

// MatchesEvent reports whether this subscriber's event-type set admits
// the given event's type. Filtering beyond event-type matching is a
// non-goal (see spec §1).
func (s *Subscriber) MatchesEvent(e *Event) bool {
	return s.EventTypes.Matches(e.EventType)
}

// TransportBinding is the owned, 1:1 transport configuration record for
// a subscriber. Config is stored as a serialized JSON blob and may carry
// credentials, so callers must treat it as sensitive.
type TransportBinding struct {
	ID           int64         `json:"id"`
	SubscriberID int64         `json:"subscriber_id"`
	Kind         TransportKind `json:"kind"`
	Config       ConfigBlob    `json:"config"`
	DisabledAt   *time.Time    `json:"disabled_at,omitempty"`
}

func (t *TransportBinding) Disabled() bool {
	return t.DisabledAt != nil
}

// Event is the durable record of one ingested webhook delivery.
type Event struct {
	ID                 int64      `json:"id"`
	UpstreamDeliveryID string     `json:"upstream_delivery_id"`
	EventType          string     `json:"event_type"`
	PayloadHash        string     `json:"payload_hash"`
	PayloadSize        int64      `json:"payload_size"`
	PayloadData        string     `json:"payload_data"`
	HeadersData        string     `json:"headers_data"`
	ReceivedAt         time.Time  `json:"received_at"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
	Status             Status     `json:"status"`
}

// DeliveryAttempt is an append-only record of one delivery try, except
// for NextRetryAt which transitions null -> scheduled -> null.
type DeliveryAttempt struct {
	ID            int64      `json:"id"`
	EventID       int64      `json:"event_id"`
	SubscriberID  int64      `json:"subscriber_id"`
	AttemptNumber int        `json:"attempt_number"`
	StatusCode    *int       `json:"status_code,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	AttemptedAt   time.Time  `json:"attempted_at"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// Succeeded reports whether this attempt is considered a transport-level
// success (2xx, or a non-HTTP transport's equivalent ack).
func (a *DeliveryAttempt) Succeeded() bool {
	return a.ErrorMessage == nil
}

// RetryTask is the derived join of DeliveryAttempt and Event used to
// re-execute a due delivery. It is never independently persisted.
type RetryTask struct {
	EventID       int64
	SubscriberID  int64
	NextAttempt   int
	PayloadData   string
	HeadersData   string
	EventType     string
	UpstreamDeliveryID string
}

// EventStats summarizes the event table for the readiness/health surface.
type EventStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}
