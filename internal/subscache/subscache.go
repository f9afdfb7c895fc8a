// Package subscache snapshots the subscriber list and their transport
// bindings in-process, refreshing only when a Redis-backed version
// counter advances. Grounded on the spec's design note that a process-
// local cache with a version counter avoids a store round trip per
// delivered event, and on the teacher's general pattern of caching
// destination config close to where it's read (destregistry's
// metadata-schema cache serves the same purpose for provider configs).
package subscache

import (
	"context"
	"fmt"
	"sync"

	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/store"
)

type Cache struct {
	backing  store.EventStore
	versions store.VersionCounter

	mu          sync.RWMutex
	version     int64
	loaded      bool
	subscribers []*models.Subscriber
	bindings    map[int64]*models.TransportBinding
}

var _ store.SubscriberCache = (*Cache)(nil)

func New(backing store.EventStore, versions store.VersionCounter) *Cache {
	return &Cache{backing: backing, versions: versions, bindings: map[int64]*models.TransportBinding{}}
}

func (c *Cache) Subscribers(ctx context.Context) ([]*models.Subscriber, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Subscriber, len(c.subscribers))
	copy(out, c.subscribers)
	return out, nil
}

func (c *Cache) TransportBinding(ctx context.Context, subscriberID int64) (*models.TransportBinding, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	binding, ok := c.bindings[subscriberID]
	if !ok {
		return nil, models.ErrTransportNotFound
	}
	return binding, nil
}

func (c *Cache) refreshIfStale(ctx context.Context) error {
	current, err := c.versions.Version(ctx)
	if err != nil {
		return fmt.Errorf("subscache: read version: %w", err)
	}

	c.mu.RLock()
	stale := !c.loaded || current != c.version
	c.mu.RUnlock()
	if !stale {
		return nil
	}

	subs, err := c.backing.ListSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("subscache: list subscribers: %w", err)
	}
	bindings := make(map[int64]*models.TransportBinding, len(subs))
	for _, sub := range subs {
		binding, err := c.backing.GetTransportBinding(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("subscache: get transport binding for subscriber %d: %w", sub.ID, err)
		}
		bindings[sub.ID] = binding
	}

	c.mu.Lock()
	c.subscribers = subs
	c.bindings = bindings
	c.version = current
	c.loaded = true
	c.mu.Unlock()
	return nil
}
