// Package amqp is the amqp-broker transport provider: it publishes the
// canonical transport.Envelope to a configured exchange/routing key,
// grounded on the teacher's destrabbitmq.RabbitMQPublisher (lazy
// connection, one conn+channel reused across calls, mutex-guarded
// reconnect) and its ClassifyRabbitMQError error-code taxonomy, carried
// over near verbatim since it classifies the underlying amqp091 error
// types rather than anything destination-specific.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type config struct {
	URL      string
	Exchange string
	RouteKey string
}

func parseConfig(blob models.ConfigBlob) config {
	return config{
		URL:      blob["url"],
		Exchange: blob["exchange"],
		RouteKey: blob["routing_key"],
	}
}

type Provider struct {
	mu      sync.Mutex
	conns   map[string]*amqp091.Connection
	chans   map[string]*amqp091.Channel
}

var _ transport.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		conns: make(map[string]*amqp091.Connection),
		chans: make(map[string]*amqp091.Channel),
	}
}

func (p *Provider) Kind() models.TransportKind { return models.TransportAMQPBroker }

func (p *Provider) ValidateConfig(blob models.ConfigBlob) error {
	cfg := parseConfig(blob)
	if cfg.URL == "" {
		return fmt.Errorf("amqp: url is required")
	}
	if cfg.Exchange == "" {
		return fmt.Errorf("amqp: exchange is required")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp: invalid url: %w", err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return fmt.Errorf("amqp: url scheme must be amqp or amqps")
	}
	return nil
}

func (p *Provider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	cfg := parseConfig(in.Config)

	channel, err := p.ensureChannel(cfg.URL)
	if err != nil {
		return transport.DeliveryResult{
			Success: false,
			Err:     fmt.Errorf("amqp: %s: %w", ClassifyAMQPError(err), err),
		}, nil
	}

	env := transport.NewEnvelope(in)
	body, err := envelopeJSON(env)
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("amqp: marshal envelope: %w", err)
	}

	headers := make(amqp091.Table, len(in.Headers))
	for k, v := range in.Headers {
		headers[k] = v
	}

	start := time.Now()
	err = channel.PublishWithContext(ctx,
		cfg.Exchange,
		routingKey(cfg, in.EventType),
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Headers:     headers,
			Body:        body,
		},
	)
	duration := time.Since(start)
	if err != nil {
		p.dropConnection(cfg.URL)
		if errors.Is(err, context.Canceled) {
			return transport.DeliveryResult{}, err
		}
		return transport.DeliveryResult{
			Success:  false,
			Err:      fmt.Errorf("amqp: %s: %w", ClassifyAMQPError(err), err),
			Duration: duration,
		}, nil
	}

	return transport.DeliveryResult{Success: true, Duration: duration}, nil
}

func routingKey(cfg config, eventType string) string {
	if cfg.RouteKey != "" {
		return cfg.RouteKey
	}
	return eventType
}

func envelopeJSON(env transport.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (p *Provider) ensureChannel(rawURL string) (*amqp091.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[rawURL]; ok {
		if ch, ok := p.chans[rawURL]; ok && !conn.IsClosed() && !ch.IsClosed() {
			return ch, nil
		}
	}

	conn, err := amqp091.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if old, ok := p.conns[rawURL]; ok {
		old.Close()
	}
	p.conns[rawURL] = conn
	p.chans[rawURL] = channel
	return channel, nil
}

func (p *Provider) dropConnection(rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.chans[rawURL]; ok {
		ch.Close()
		delete(p.chans, rawURL)
	}
	if conn, ok := p.conns[rawURL]; ok {
		conn.Close()
		delete(p.conns, rawURL)
	}
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.chans {
		ch.Close()
	}
	for _, conn := range p.conns {
		conn.Close()
	}
	return nil
}

// ClassifyAMQPError returns a descriptive error code for the delivery
// log, the same role the teacher's ClassifyRabbitMQError plays for its
// rabbitmq destination. AMQP protocol errors are classified by code
// first; everything else falls back to substring matching on
// network-level error text.
func ClassifyAMQPError(err error) string {
	if err == nil {
		return "unknown"
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp091.AccessRefused:
			return "access_denied"
		case amqp091.NotFound:
			return "exchange_not_found"
		case amqp091.ChannelError:
			return "channel_error"
		case amqp091.ConnectionForced:
			return "connection_forced"
		default:
			return "rabbitmq_error"
		}
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "no such host"):
		return "dns_error"
	case strings.Contains(errStr, "connection refused"):
		return "connection_refused"
	case strings.Contains(errStr, "connection reset"):
		return "connection_reset"
	case strings.Contains(errStr, "i/o timeout"), strings.Contains(errStr, "context deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "tls:"), strings.Contains(errStr, "x509:"):
		return "tls_error"
	case strings.Contains(errStr, "PLAIN"), strings.Contains(errStr, "auth"), strings.Contains(errStr, "ACCESS_REFUSED"):
		return "auth_failed"
	case strings.Contains(errStr, "channel"):
		return "channel_error"
	default:
		return "rabbitmq_error"
	}
}
