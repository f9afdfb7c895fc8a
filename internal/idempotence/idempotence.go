// Package idempotence prevents a delivery task from being executed
// twice (e.g. a queue message redelivered while the original attempt is
// still in flight) using a Redis-backed claim key. Reconstructed from
// the teacher's surviving idempotence_test.go — the implementation file
// itself did not survive distillation into the retrieved pack — using
// the SET-NX claim / PEXPIRE timeout shape the teacher's own
// internal/redislock package used for its single-instance locks: a
// failed run deletes its claim through that package's compare-and-delete
// Unlock script, so a claim is only released by the caller that still
// holds it, and a successful run overwrites the claim with a "done"
// marker kept for the successful-TTL.
package idempotence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrConflict is returned by Exec when another execution for the same
// key is already in progress.
var ErrConflict = errors.New("idempotence: conflicting execution in progress")

const keyPrefix = "hookrelay:idempotence:"

type Idempotence interface {
	Exec(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type idempotence struct {
	client       redis.Cmdable
	timeout      time.Duration
	successfulTTL time.Duration
}

type Option func(*idempotence)

func WithTimeout(d time.Duration) Option {
	return func(i *idempotence) { i.timeout = d }
}

func WithSuccessfulTTL(d time.Duration) Option {
	return func(i *idempotence) { i.successfulTTL = d }
}

func New(client redis.Cmdable, opts ...Option) Idempotence {
	i := &idempotence{
		client:        client,
		timeout:       30 * time.Second,
		successfulTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

const statusDone = "done"

// releaseScript deletes the claim key only if it still holds the value
// this call set, mirroring the teacher's redislock.Unlock: without this
// check, a claim whose fn outran i.timeout could be released out from
// under a second caller that has since legitimately re-acquired it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Exec claims key for the duration of timeout (or until fn returns),
// running fn only if no other caller currently holds the claim.
//
//   - A second call while the first is still running returns
//     ErrConflict without invoking fn.
//   - A second call arriving after the first succeeded returns nil
//     without invoking fn again (the result is cached as "done" for
//     successfulTTL).
//   - A second call arriving after the first failed re-executes fn:
//     failure leaves no claim behind, since nothing succeeded to dedupe.
func (i *idempotence) Exec(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	redisKey := keyPrefix + key
	claimValue := uuid.NewString()

	acquired, err := i.client.SetNX(ctx, redisKey, claimValue, i.timeout).Result()
	if err != nil {
		return err
	}
	if !acquired {
		status, err := i.client.Get(ctx, redisKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if status == statusDone {
			return nil
		}
		return ErrConflict
	}

	err = fn(ctx)
	if err != nil {
		i.client.Eval(ctx, releaseScript, []string{redisKey}, claimValue)
		return err
	}

	i.client.Set(ctx, redisKey, statusDone, i.successfulTTL)
	return nil
}
