// Package redisqueue is the Redis-backed Queue adapter: a sorted set
// keyed by visibility/delay deadline plus a hash of envelope bodies,
// grounded on the teacher's internal/rsmq adapter (sorted-set visible-
// at scheduling, hash-stored message bodies) and its SET/EVAL idiom for
// atomic claim-and-lease operations via Lua scripts rather than
// client-side read-modify-write races.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/internal/idgen"
	"github.com/hookrelay/hookrelay/internal/queue"
)

// The receipt handle is the envelope id itself. Unlike the in-process
// adapter, redisqueue has no private per-process state to hide a
// receipt behind: any worker in any process must be able to Delete or
// ChangeVisibility a message it received, so the handle has to be
// durable and self-describing rather than a local map lookup key.

const (
	defaultKeyPrefix = "hookrelay:queue"
)

// claimScript atomically pops due messages from the schedule zset (score
// <= now), reschedules them at now+visibilityTimeout, and increments
// their attempt counter in the attempts hash — all inside one Lua script so
// no two concurrent Receive calls can claim the same message.
const claimScript = `
local scheduleKey = KEYS[1]
local bodyKey = KEYS[2]
local attemptsKey = KEYS[3]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local visibleUntil = tonumber(ARGV[3])
local maxAttempts = tonumber(ARGV[4])

local ids = redis.call("ZRANGEBYSCORE", scheduleKey, "-inf", now, "LIMIT", 0, max)
local claimed = {}
for _, id in ipairs(ids) do
	local attempts = tonumber(redis.call("HGET", attemptsKey, id) or "0")
	if attempts < maxAttempts then
		attempts = attempts + 1
		redis.call("HSET", attemptsKey, id, attempts)
		redis.call("ZADD", scheduleKey, visibleUntil, id)
		table.insert(claimed, id)
		table.insert(claimed, attempts)
		table.insert(claimed, redis.call("HGET", bodyKey, id))
	else
		redis.call("ZREM", scheduleKey, id)
	end
end
return claimed
`

type Queue struct {
	client      redis.Cmdable
	prefix      string
	maxAttempts int
	connected   bool
}

var _ queue.Queue = (*Queue)(nil)

type Option func(*Queue)

func WithKeyPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

func New(client redis.Cmdable, opts ...Option) *Queue {
	q := &Queue{
		client:      client,
		prefix:      defaultKeyPrefix,
		maxAttempts: 25,
		connected:   true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Kind() string { return "redis" }

func (q *Queue) IsConnected() bool { return q.connected }

func (q *Queue) scheduleKey() string { return q.prefix + ":schedule" }
func (q *Queue) bodyKey() string     { return q.prefix + ":bodies" }
func (q *Queue) attemptsKey() string { return q.prefix + ":attempts" }

func (q *Queue) Send(ctx context.Context, job queue.FanoutJob, delayUntil *time.Time) (string, error) {
	if !q.connected {
		return "", queue.ErrNotConnected
	}

	env := queue.Envelope{
		ID:         idgen.EnvelopeID(),
		Data:       job,
		Timestamp:  time.Now().UTC(),
		Attempts:   0,
		DelayUntil: delayUntil,
	}
	body, err := marshalEnvelope(env)
	if err != nil {
		return "", fmt.Errorf("redisqueue: marshal envelope: %w", err)
	}

	visibleAt := time.Now()
	if delayUntil != nil {
		visibleAt = *delayUntil
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.bodyKey(), env.ID, body)
	pipe.ZAdd(ctx, q.scheduleKey(), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: env.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redisqueue: send: %w", err)
	}
	return env.ID, nil
}

func (q *Queue) Receive(ctx context.Context, max int, visibilityTimeout time.Duration) ([]queue.Message, error) {
	if !q.connected {
		return nil, queue.ErrNotConnected
	}

	now := time.Now()
	visibleUntil := now.Add(visibilityTimeout)
	res, err := q.client.Eval(ctx, claimScript,
		[]string{q.scheduleKey(), q.bodyKey(), q.attemptsKey()},
		now.UnixMilli(), max, visibleUntil.UnixMilli(), q.maxAttempts,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: receive: %w", err)
	}

	flat, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("redisqueue: unexpected claim script result type %T", res)
	}

	var out []queue.Message
	for i := 0; i+3 <= len(flat); i += 3 {
		id, _ := flat[i].(string)
		body, _ := flat[i+2].(string)
		if id == "" || body == "" {
			continue
		}
		env, err := unmarshalEnvelope(body)
		if err != nil {
			continue
		}
		// The script returns the counter as a Lua number, which Redis
		// replies with as an integer.
		var attempts int
		switch v := flat[i+1].(type) {
		case int64:
			attempts = int(v)
		case string:
			fmt.Sscanf(v, "%d", &attempts)
		}
		env.Attempts = attempts

		out = append(out, queue.Message{Envelope: env, Receipt: id})
	}
	return out, nil
}

func (q *Queue) Delete(ctx context.Context, receipt string) error {
	id := receipt
	existed, err := q.client.HExists(ctx, q.bodyKey(), id).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: delete: %w", err)
	}
	if !existed {
		return queue.ErrMessageNotFound
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduleKey(), id)
	pipe.HDel(ctx, q.bodyKey(), id)
	pipe.HDel(ctx, q.attemptsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisqueue: delete: %w", err)
	}
	return nil
}

func (q *Queue) ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	id := receipt
	existed, err := q.client.HExists(ctx, q.bodyKey(), id).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: change visibility: %w", err)
	}
	if !existed {
		return queue.ErrMessageNotFound
	}

	if timeout == 0 {
		return q.client.ZAdd(ctx, q.scheduleKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id}).Err()
	}

	attemptsStr, err := q.client.HGet(ctx, q.attemptsKey(), id).Result()
	if err == nil {
		var attempts int
		fmt.Sscanf(attemptsStr, "%d", &attempts)
		if attempts >= q.maxAttempts {
			return queue.ErrAttemptsExceeded
		}
	}

	visibleUntil := time.Now().Add(timeout)
	return q.client.ZAdd(ctx, q.scheduleKey(), redis.Z{Score: float64(visibleUntil.UnixMilli()), Member: id}).Err()
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	now := float64(time.Now().UnixMilli())
	var s queue.Stats

	visible, err := q.client.ZCount(ctx, q.scheduleKey(), "-inf", fmt.Sprintf("%f", now)).Result()
	if err != nil {
		return s, fmt.Errorf("redisqueue: stats visible: %w", err)
	}
	total, err := q.client.ZCard(ctx, q.scheduleKey()).Result()
	if err != nil {
		return s, fmt.Errorf("redisqueue: stats total: %w", err)
	}
	s.Visible = visible
	s.InFlight = total - visible
	return s, nil
}

func (q *Queue) Purge(ctx context.Context) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.scheduleKey())
	pipe.Del(ctx, q.bodyKey())
	pipe.Del(ctx, q.attemptsKey())
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisqueue: purge: %w", err)
	}
	return nil
}

func (q *Queue) Close(ctx context.Context) error {
	q.connected = false
	return nil
}

func marshalEnvelope(e queue.Envelope) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalEnvelope(data string) (queue.Envelope, error) {
	var e queue.Envelope
	err := json.Unmarshal([]byte(data), &e)
	return e, err
}
