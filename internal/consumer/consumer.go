// Package consumer is the generic polling loop that drains a
// queue.Queue and dispatches each message to a MessageHandler with
// bounded concurrency, grounded on the teacher's internal/consumer
// package (subscription.Receive loop, semaphore-bounded goroutine
// fan-out, full semaphore drain on shutdown) generalized from its
// push-style mqs.Subscription to this module's poll-style queue.Queue.
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/queue"
)

// MessageHandler processes one received queue message and owns its
// acknowledgement: the consumer only logs a returned error and never
// deletes or requeues a message itself. A message the handler does not
// delete becomes visible again once its visibility timeout elapses
// (at-least-once redelivery).
type MessageHandler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

type options struct {
	name              string
	concurrency       int
	batchSize         int
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	logger            *logging.Logger
}

type Option func(*options)

func WithName(name string) Option                 { return func(o *options) { o.name = name } }
func WithConcurrency(n int) Option                { return func(o *options) { o.concurrency = n } }
func WithBatchSize(n int) Option                  { return func(o *options) { o.batchSize = n } }
func WithVisibilityTimeout(d time.Duration) Option { return func(o *options) { o.visibilityTimeout = d } }
func WithPollInterval(d time.Duration) Option      { return func(o *options) { o.pollInterval = d } }
func WithLogger(logger *logging.Logger) Option     { return func(o *options) { o.logger = logger } }

type Consumer struct {
	options
	q       queue.Queue
	handler MessageHandler
}

func New(q queue.Queue, handler MessageHandler, opts ...Option) *Consumer {
	o := options{
		concurrency:       4,
		batchSize:         10,
		visibilityTimeout: 30 * time.Second,
		pollInterval:      time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Consumer{options: o, q: q, handler: handler}
}

// Run polls the queue until ctx is cancelled, dispatching each batch's
// messages to up to `concurrency` concurrent handler invocations. It
// returns once every in-flight handler call has finished (a full
// semaphore drain), mirroring the teacher's graceful-shutdown shape.
func (c *Consumer) Run(ctx context.Context) error {
	sem := make(chan struct{}, c.concurrency)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		case <-ticker.C:
		}

		msgs, err := c.q.Receive(ctx, c.batchSize, c.visibilityTimeout)
		if err != nil {
			if c.logger != nil {
				c.logger.Error("consumer receive error", zap.String("name", c.name), zap.Error(err))
			}
			continue
		}

		for _, msg := range msgs {
			msg := msg
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break pollLoop
			}

			go func() {
				defer func() { <-sem }()
				if err := c.handler.Handle(ctx, msg); err != nil {
					if c.logger != nil {
						c.logger.Error("consumer handler error",
							zap.String("name", c.name), zap.Error(err))
					}
				}
			}()
		}
	}

	for n := 0; n < c.concurrency; n++ {
		sem <- struct{}{}
	}
	return nil
}
