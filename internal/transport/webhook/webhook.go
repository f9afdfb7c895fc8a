// Package webhook is the http-webhook transport provider: it replays
// the event to a subscriber-configured URL with a freshly computed
// HMAC-SHA-256 signature, following the spec's http-webhook contract.
// Grounded on the teacher's destwebhook.WebhookDestination.Publish
// (client.Do, status>=400 treated as failure, one client reused across
// calls) generalized from its template-based, multi-secret signing to
// the spec's single fixed "sha256=<hex>" format.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hookrelay/hookrelay/internal/crypto"
	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type config struct {
	URL           string `json:"url" validate:"required,url"`
	Secret        string `json:"secret" validate:"required"`
	AllowInsecure bool   `json:"allow_insecure"`
}

type Provider struct {
	client    *http.Client
	validator *validator.Validate
}

var _ transport.Provider = (*Provider)(nil)

func New(timeout time.Duration) *Provider {
	return &Provider{
		client:    &http.Client{Timeout: timeout},
		validator: validator.New(),
	}
}

func (p *Provider) Kind() models.TransportKind { return models.TransportHTTPWebhook }

func (p *Provider) ValidateConfig(blob models.ConfigBlob) error {
	cfg, err := parseConfig(blob)
	if err != nil {
		return err
	}
	if err := p.validator.Struct(cfg); err != nil {
		return fmt.Errorf("webhook: invalid config: %w", err)
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if parsed.Scheme != "https" && !cfg.AllowInsecure {
		return fmt.Errorf("webhook: url must be https unless allow_insecure is set")
	}
	return nil
}

func parseConfig(blob models.ConfigBlob) (config, error) {
	allowInsecure, _ := strconv.ParseBool(blob["allow_insecure"])
	return config{
		URL:           blob["url"],
		Secret:        blob["secret"],
		AllowInsecure: allowInsecure,
	}, nil
}

func (p *Provider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	cfg, err := parseConfig(in.Config)
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(in.Payload))
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("webhook: build request: %w", err)
	}

	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("x-hub-signature-256", crypto.SignBody(in.Payload, cfg.Secret))
	req.Header.Set("x-router-marker", "true")
	req.Header.Set("content-type", "application/json")
	req.ContentLength = int64(len(in.Payload))

	start := time.Now()
	resp, err := p.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return transport.DeliveryResult{Success: false, Err: classifyHTTPError(err), Duration: duration}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	statusCode := resp.StatusCode
	result := transport.DeliveryResult{
		Success:    statusCode >= 200 && statusCode < 300,
		StatusCode: &statusCode,
		Duration:   duration,
	}
	if !result.Success {
		result.Err = fmt.Errorf("webhook: non-2xx response: %d", statusCode)
	}
	return result, nil
}

// classifyHTTPError gives transport-level connection failures a stable,
// loggable reason string, the same role ClassifyRabbitMQError plays for
// the amqp-broker adapter.
func classifyHTTPError(err error) error {
	switch {
	case err == nil:
		return nil
	case isTimeout(err):
		return fmt.Errorf("webhook: timeout: %w", err)
	default:
		return fmt.Errorf("webhook: connection_error: %w", err)
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; {
		if tt, ok := e.(timeouter); ok {
			t = tt
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Timeout()
}

func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
