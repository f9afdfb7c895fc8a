package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/queue"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, WithKeyPrefix(t.Name()))
}

func TestRedisSendReceiveDelete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, queue.FanoutJob{EventID: 1, SubscriberID: 2}, nil)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Envelope.Attempts)

	require.NoError(t, q.Delete(ctx, msgs[0].Receipt))

	msgs, err = q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisDelayedMessageHidden(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	_, err := q.Send(ctx, queue.FanoutJob{EventID: 1, SubscriberID: 2}, &future)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisChangeVisibilityZeroRequeuesImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, queue.FanoutJob{EventID: 1, SubscriberID: 2}, nil)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.ChangeVisibility(ctx, msgs[0].Receipt, 0))

	again, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
}

func TestRedisAttemptsCapEnforced(t *testing.T) {
	q := newTestQueue(t)
	q.maxAttempts = 1
	ctx := context.Background()

	_, err := q.Send(ctx, queue.FanoutJob{EventID: 1, SubscriberID: 2}, nil)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(5 * time.Millisecond)

	again, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "message at maxAttempts must not be reclaimed again")
}
