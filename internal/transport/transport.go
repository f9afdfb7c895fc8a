// Package transport defines the single capability every delivery
// adapter implements (deliver(event, config) -> {success, statusCode?,
// error?, durationMs}) and a kind-keyed registry resolving a
// models.TransportKind to its Provider, mirroring the teacher's
// destregistry.GetProvider lookup.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hookrelay/hookrelay/internal/models"
)

// DeliveryInput is the canonical envelope handed to every provider.
// Non-HTTP providers serialize it wholesale as {event, payload, headers,
// deliveryId, timestamp}; the http-webhook provider unpacks it to
// reproduce the original request instead.
type DeliveryInput struct {
	EventID            int64
	UpstreamDeliveryID string
	EventType          string
	Payload            []byte
	Headers            map[string]string
	Timestamp          time.Time
	Config             models.ConfigBlob
}

// DeliveryResult is the outcome of one delivery attempt.
type DeliveryResult struct {
	Success    bool
	StatusCode *int
	Err        error
	Duration   time.Duration
}

// Provider is implemented once per models.TransportKind.
type Provider interface {
	Kind() models.TransportKind
	ValidateConfig(config models.ConfigBlob) error
	Deliver(ctx context.Context, in DeliveryInput) (DeliveryResult, error)
	Close() error
}

var ErrUnknownTransportKind = errors.New("transport: unknown kind")

// Registry resolves a models.TransportKind to the Provider instance
// handling it. One instance per kind is constructed up front (at
// wiring time in cmd/router) and shared across deliveries, consistent
// with the spec's "one client per unique endpoint per process" note.
type Registry struct {
	providers map[models.TransportKind]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[models.TransportKind]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Kind()] = p
}

func (r *Registry) GetProvider(kind models.TransportKind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransportKind, kind)
	}
	return p, nil
}

func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Envelope is the canonical JSON body non-HTTP providers publish.
type Envelope struct {
	Event      EnvelopeEvent     `json:"event"`
	Payload    json.RawMessage   `json:"payload"`
	Headers    map[string]string `json:"headers"`
	DeliveryID string            `json:"deliveryId"`
	Timestamp  time.Time         `json:"timestamp"`
}

type EnvelopeEvent struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func NewEnvelope(in DeliveryInput) Envelope {
	return Envelope{
		Event:      EnvelopeEvent{ID: in.EventID, Type: in.EventType},
		Payload:    json.RawMessage(in.Payload),
		Headers:    in.Headers,
		DeliveryID: in.UpstreamDeliveryID,
		Timestamp:  in.Timestamp,
	}
}
