// Package servicebus is the cloud-event-bus transport provider backed
// by Azure Service Bus. Wired in the same lazy-client-per-target shape
// as the teacher's destawskinesis.go and this module's own sqs/pubsub
// providers: one sender per distinct namespace/topic, reused across
// deliveries, torn down in Close.
package servicebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	azservicebus "github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type config struct {
	ConnectionString string
	TopicOrQueue     string
}

func parseConfig(blob models.ConfigBlob) config {
	return config{
		ConnectionString: blob["connection_string"],
		TopicOrQueue:     blob["topic"],
	}
}

type Provider struct {
	mu      sync.Mutex
	clients map[string]*azservicebus.Client
	senders map[string]*azservicebus.Sender
}

var _ transport.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		clients: make(map[string]*azservicebus.Client),
		senders: make(map[string]*azservicebus.Sender),
	}
}

func (p *Provider) Kind() models.TransportKind { return models.TransportCloudEventBus }

func (p *Provider) ValidateConfig(blob models.ConfigBlob) error {
	cfg := parseConfig(blob)
	if cfg.ConnectionString == "" {
		return fmt.Errorf("servicebus: connection_string is required")
	}
	if cfg.TopicOrQueue == "" {
		return fmt.Errorf("servicebus: topic is required")
	}
	return nil
}

func (p *Provider) sender(cfg config) (*azservicebus.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := cfg.ConnectionString + "/" + cfg.TopicOrQueue
	if s, ok := p.senders[key]; ok {
		return s, nil
	}

	client, ok := p.clients[cfg.ConnectionString]
	if !ok {
		c, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("new client: %w", err)
		}
		p.clients[cfg.ConnectionString] = c
		client = c
	}

	sender, err := client.NewSender(cfg.TopicOrQueue, nil)
	if err != nil {
		return nil, fmt.Errorf("new sender: %w", err)
	}
	p.senders[key] = sender
	return sender, nil
}

func (p *Provider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	cfg := parseConfig(in.Config)
	sender, err := p.sender(cfg)
	if err != nil {
		return transport.DeliveryResult{Success: false, Err: err}, nil
	}

	env := transport.NewEnvelope(in)
	body, err := json.Marshal(env)
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("servicebus: marshal envelope: %w", err)
	}

	msg := &azservicebus.Message{
		Body:          body,
		ContentType:   strPtr("application/json"),
		ApplicationProperties: headersToProps(in.Headers),
	}

	start := time.Now()
	err = sender.SendMessage(ctx, msg, nil)
	duration := time.Since(start)
	if err != nil {
		return transport.DeliveryResult{
			Success:  false,
			Err:      fmt.Errorf("servicebus: %s: %w", classifyServiceBusError(err), err),
			Duration: duration,
		}, nil
	}

	return transport.DeliveryResult{Success: true, Duration: duration}, nil
}

func headersToProps(headers map[string]string) map[string]interface{} {
	props := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		props[k] = v
	}
	return props
}

func strPtr(s string) *string { return &s }

func classifyServiceBusError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "404"), strings.Contains(msg, "MessagingEntityNotFound"):
		return "topic_not_found"
	case strings.Contains(msg, "401"), strings.Contains(msg, "Unauthorized"):
		return "auth_failed"
	case strings.Contains(msg, "ServerBusy"), strings.Contains(msg, "429"):
		return "throttled"
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "context canceled"):
		return "timeout"
	default:
		return "request_failed"
	}
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, s := range p.senders {
		if err := s.Close(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range p.clients {
		if err := c.Close(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
