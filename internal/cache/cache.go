// Package cache provides the read-through cache used in front of the admin
// store. Concurrent misses for one key share a single load; a load that
// overlaps an invalidation of its key is handed to the callers but never
// stored, and failed loads are never stored.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type LoadFunc[V any] func(ctx context.Context) (V, error)

type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL bounds how long a loaded value is served before the next read
// reloads it. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	// epochs counts invalidations per key; global counts bulk invalidations.
	epochs map[K]uint64
	global uint64
	group  singleflight.Group
	opts   options
	stats  Stats
}

type Stats struct {
	Hits   uint64
	Misses uint64
}

func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		entries: map[K]entry[V]{},
		epochs:  map[K]uint64{},
		opts:    o,
	}
}

// Get returns the stored value for key without loading.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key)
}

// GetOrLoad returns the stored value for key or runs load to obtain it. The
// load itself is detached from ctx cancellation so that one impatient caller
// cannot fail the load for every caller sharing it; ctx only bounds how long
// this caller waits.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load LoadFunc[V]) (V, error) {
	c.mu.Lock()
	if v, ok := c.lookupLocked(key); ok {
		c.stats.Hits++
		c.mu.Unlock()
		return v, nil
	}
	c.stats.Misses++
	epoch, global := c.epochs[key], c.global
	c.mu.Unlock()

	// The flight key carries the epochs, so callers arriving after an
	// invalidation never join a load that started before it.
	flight := fmt.Sprintf("%d/%d/%v", global, epoch, key)
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (any, error) {
		v, err := load(loadCtx)
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		if c.epochs[key] == epoch && c.global == global {
			c.entries[key] = entry[V]{value: v, expiresAt: c.expiry()}
		}
		c.mu.Unlock()
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Set stores v for key, replacing anything cached.
func (c *Cache[K, V]) Set(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: v, expiresAt: c.expiry()}
}

// Invalidate drops key. Invalidating an absent key only fences any load of
// that key still in flight.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.epochs[key]++
}

// InvalidateWhere drops every stored key for which match returns true and
// returns how many were dropped.
func (c *Cache[K, V]) InvalidateWhere(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			c.epochs[key]++
			dropped++
		}
	}
	// In-flight loads for matching keys that are not stored yet are fenced
	// through the global epoch.
	c.global++
	return dropped
}

func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[K]entry[V]{}
	c.epochs = map[K]uint64{}
	c.global++
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache[K, V]) lookupLocked(key K) (V, bool) {
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.opts.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[K, V]) expiry() time.Time {
	if c.opts.ttl <= 0 {
		return time.Time{}
	}
	return c.opts.now().Add(c.opts.ttl)
}
