// Package rediscache backs the subscriber cache invalidation signal: a
// single Redis integer counter, bumped whenever a subscriber or
// transport binding is mutated, so that internal/subscache knows when
// its in-process snapshot has gone stale. Grounded on the teacher's
// internal/redis.Client abstraction and internal/redislock's SET/EVAL
// idiom for talking to go-redis directly rather than through an ORM.
package rediscache

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/hookrelay/hookrelay/internal/store"
)

const defaultVersionKey = "hookrelay:subscribers:version"

type versionCounter struct {
	client redis.Cmdable
	key    string
}

var _ store.VersionCounter = (*versionCounter)(nil)

type Option func(*versionCounter)

func WithKey(key string) Option {
	return func(v *versionCounter) { v.key = key }
}

func NewVersionCounter(client redis.Cmdable, opts ...Option) store.VersionCounter {
	v := &versionCounter{client: client, key: defaultVersionKey}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *versionCounter) Version(ctx context.Context) (int64, error) {
	val, err := v.client.Get(ctx, v.key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("rediscache: get version: %w", err)
	}
	return val, nil
}

func (v *versionCounter) Bump(ctx context.Context) (int64, error) {
	next, err := v.client.Incr(ctx, v.key).Result()
	if err != nil {
		return 0, fmt.Errorf("rediscache: bump version: %w", err)
	}
	return next, nil
}
