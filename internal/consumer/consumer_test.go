package consumer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/queue/memqueue"
)

type countingHandler struct {
	handled int32
	fail    bool
}

func (h *countingHandler) Handle(ctx context.Context, msg queue.Message) error {
	atomic.AddInt32(&h.handled, 1)
	if h.fail {
		return assert.AnError
	}
	return nil
}

func TestConsumerDrainsQueueAndLeasesReceivedMessages(t *testing.T) {
	q := memqueue.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Send(ctx, queue.FanoutJob{EventID: int64(i), SubscriberID: 1}, nil)
		require.NoError(t, err)
	}

	handler := &countingHandler{}
	c := New(q, handler, WithPollInterval(time.Millisecond), WithConcurrency(2))

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(runCtx))

	assert.EqualValues(t, 3, handler.handled)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Visible, "received messages stay leased (in flight), not visible; this handler does not delete them")
}

func TestConsumerRunDrainsInFlightHandlersBeforeReturning(t *testing.T) {
	q := memqueue.New()
	ctx := context.Background()
	_, err := q.Send(ctx, queue.FanoutJob{EventID: 1, SubscriberID: 1}, nil)
	require.NoError(t, err)

	var inFlight int32
	var sawConcurrency int32
	slow := handlerFunc(func(ctx context.Context, msg queue.Message) error {
		atomic.AddInt32(&inFlight, 1)
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&sawConcurrency, atomic.LoadInt32(&inFlight))
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	c := New(q, slow, WithPollInterval(time.Millisecond), WithConcurrency(1))
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, c.Run(runCtx))
	// Run must not return until the one in-flight handler call above has
	// finished, even though runCtx was already cancelled well before the
	// handler's own 20ms sleep completes.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

type handlerFunc func(ctx context.Context, msg queue.Message) error

func (f handlerFunc) Handle(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }
