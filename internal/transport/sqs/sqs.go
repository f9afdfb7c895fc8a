// Package sqs is the cloud-queue transport provider backed by Amazon
// SQS. Grounded on the teacher's destawskinesis.AWSKinesisPublisher for
// the aws-sdk-go-v2 wiring idiom (awsconfig.LoadDefaultConfig with a
// static credentials provider, a per-destination client configured with
// region/endpoint overrides) and formatAWSError for the
// substring-classification pattern, adapted from Kinesis exception
// names to the SQS ones.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type config struct {
	QueueURL string
	Region   string
	Endpoint string
}

type credentials struct {
	Key     string
	Secret  string
	Session string
}

func parseConfig(blob models.ConfigBlob) (config, credentials) {
	return config{
			QueueURL: blob["queue_url"],
			Region:   blob["region"],
			Endpoint: blob["endpoint"],
		}, credentials{
			Key:     blob["aws_key"],
			Secret:  blob["aws_secret"],
			Session: blob["aws_session"],
		}
}

type clientKey struct {
	queueURL string
	region   string
}

type Provider struct {
	clients map[clientKey]*sqs.Client
}

var _ transport.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{clients: make(map[clientKey]*sqs.Client)}
}

func (p *Provider) Kind() models.TransportKind { return models.TransportCloudQueue }

func (p *Provider) ValidateConfig(blob models.ConfigBlob) error {
	cfg, _ := parseConfig(blob)
	if cfg.QueueURL == "" {
		return fmt.Errorf("sqs: queue_url is required")
	}
	if cfg.Region == "" {
		return fmt.Errorf("sqs: region is required")
	}
	return nil
}

func (p *Provider) client(ctx context.Context, cfg config, creds credentials) (*sqs.Client, error) {
	key := clientKey{queueURL: cfg.QueueURL, region: cfg.Region}
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(creds.Key, creds.Secret, creds.Session)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sqs.NewFromConfig(sdkConfig, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(cfg.Endpoint)
		}
	})
	p.clients[key] = client
	return client, nil
}

func (p *Provider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	cfg, creds := parseConfig(in.Config)
	client, err := p.client(ctx, cfg, creds)
	if err != nil {
		return transport.DeliveryResult{Success: false, Err: err}, nil
	}

	env := transport.NewEnvelope(in)
	body, err := json.Marshal(env)
	if err != nil {
		return transport.DeliveryResult{}, fmt.Errorf("sqs: marshal envelope: %w", err)
	}

	start := time.Now()
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    awssdk.String(cfg.QueueURL),
		MessageBody: awssdk.String(string(body)),
	})
	duration := time.Since(start)
	if err != nil {
		return transport.DeliveryResult{
			Success:  false,
			Err:      fmt.Errorf("sqs: %s: %w", classifySQSError(err), err),
			Duration: duration,
		}, nil
	}

	return transport.DeliveryResult{Success: true, Duration: duration}, nil
}

// classifySQSError mirrors the teacher's formatAWSError substring
// classifier, remapped from the Kinesis exception set to the ones SQS
// actually raises.
func classifySQSError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "QueueDoesNotExist"):
		return "queue_not_found"
	case strings.Contains(msg, "AccessDenied"):
		return "access_denied"
	case strings.Contains(msg, "InvalidMessageContents"):
		return "invalid_message"
	case strings.Contains(msg, "RequestThrottled"), strings.Contains(msg, "ThrottlingException"):
		return "throttled"
	default:
		return "request_failed"
	}
}

func (p *Provider) Close() error { return nil }
