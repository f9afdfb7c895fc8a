// Package pubsub is the pubsub transport provider backed by Google
// Cloud Pub/Sub. Wired the way the teacher wires its other cloud SDK
// destinations (destawskinesis.go): lazily construct one client per
// distinct target and reuse it, parse config/credentials out of the
// generic blob, classify publish failures into a stable string code.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type config struct {
	ProjectID string
	TopicID   string
}

func parseConfig(blob models.ConfigBlob) config {
	return config{
		ProjectID: blob["project_id"],
		TopicID:   blob["topic_id"],
	}
}

type Provider struct {
	mu           sync.Mutex
	credsJSON    []byte
	clients      map[string]*pubsub.Client
	topics       map[string]*pubsub.Topic
}

var _ transport.Provider = (*Provider)(nil)

// New takes the service-account JSON used to authenticate every topic
// client this provider opens; the project/topic themselves come from
// each delivery's config blob.
func New(serviceAccountJSON []byte) *Provider {
	return &Provider{
		credsJSON: serviceAccountJSON,
		clients:   make(map[string]*pubsub.Client),
		topics:    make(map[string]*pubsub.Topic),
	}
}

func (p *Provider) Kind() models.TransportKind { return models.TransportPubSub }

func (p *Provider) ValidateConfig(blob models.ConfigBlob) error {
	cfg := parseConfig(blob)
	if cfg.ProjectID == "" {
		return fmt.Errorf("pubsub: project_id is required")
	}
	if cfg.TopicID == "" {
		return fmt.Errorf("pubsub: topic_id is required")
	}
	return nil
}

func (p *Provider) topic(ctx context.Context, cfg config) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := cfg.ProjectID + "/" + cfg.TopicID
	if t, ok := p.topics[key]; ok {
		return t, nil
	}

	client, ok := p.clients[cfg.ProjectID]
	if !ok {
		var opts []option.ClientOption
		if len(p.credsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(p.credsJSON))
		}
		c, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("pubsub: new client: %w", err)
		}
		p.clients[cfg.ProjectID] = c
		client = c
	}

	topic := client.Topic(cfg.TopicID)
	p.topics[key] = topic
	return topic, nil
}

func (p *Provider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	cfg := parseConfig(in.Config)
	topic, err := p.topic(ctx, cfg)
	if err != nil {
		return transport.DeliveryResult{Success: false, Err: err}, nil
	}

	env := transport.NewEnvelope(in)
	body, err := json.Marshal(env)
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("pubsub: marshal envelope: %w", err)
	}

	start := time.Now()
	result := topic.Publish(ctx, &pubsub.Message{Data: body, Attributes: in.Headers})
	_, err = result.Get(ctx)
	duration := time.Since(start)
	if err != nil {
		return transport.DeliveryResult{
			Success:  false,
			Err:      fmt.Errorf("pubsub: %s: %w", classifyPubSubError(err), err),
			Duration: duration,
		}, nil
	}

	return transport.DeliveryResult{Success: true, Duration: duration}, nil
}

func classifyPubSubError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NotFound"):
		return "topic_not_found"
	case strings.Contains(msg, "PermissionDenied"):
		return "access_denied"
	case strings.Contains(msg, "ResourceExhausted"):
		return "quota_exceeded"
	case strings.Contains(msg, "DeadlineExceeded"):
		return "timeout"
	default:
		return "request_failed"
	}
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
