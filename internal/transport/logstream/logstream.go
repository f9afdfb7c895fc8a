// Package logstream is the log-stream-broker transport provider: a
// structured zap sink standing in for an actual broker (Kafka, Kinesis
// Data Streams, etc.) when the operator wants "delivery" to mean
// emitting an audited structured record instead of a network hop.
// Grounded on the teacher's logging.Logger.Audit convention (an info
// line carrying an explicit audit=true field) for what a logged,
// acknowledged event record looks like in this codebase.
package logstream

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type Provider struct {
	logger *zap.Logger
}

var _ transport.Provider = (*Provider)(nil)

func New(logger *zap.Logger) *Provider {
	return &Provider{logger: logger}
}

func (p *Provider) Kind() models.TransportKind { return models.TransportLogStreamBroker }

func (p *Provider) ValidateConfig(blob models.ConfigBlob) error {
	return nil
}

func (p *Provider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	env := transport.NewEnvelope(in)
	body, err := json.Marshal(env)
	if err != nil {
		return transport.DeliveryResult{}, err
	}

	p.logger.Info("event streamed",
		zap.Bool("audit", true),
		zap.Int64("event_id", in.EventID),
		zap.String("event_type", in.EventType),
		zap.String("delivery_id", in.UpstreamDeliveryID),
		zap.ByteString("envelope", body),
	)

	return transport.DeliveryResult{Success: true}, nil
}

func (p *Provider) Close() error { return nil }
