// Package icache implements the item cache shared by the probes of one object
// evaluation.
//
// A Cache owns a bounded request queue drained by a single worker goroutine.
// The worker is the only writer of the content-keyed index and of the
// destination collections: it deduplicates items whose content is equal,
// assigns each new canonical item an identity, and appends the canonical
// reference to the collection named in the request. Submitters block while
// the queue is full, and Sync gives them a point after which every earlier
// submission is visible.
package icache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/itemcache/pkg/identity"
	"github.com/imjasonh/itemcache/pkg/item"
	"github.com/imjasonh/itemcache/pkg/metrics"
	"github.com/imjasonh/itemcache/pkg/result"
)

// DefaultQueueCapacity is the queue size used when Options leaves it unset.
const DefaultQueueCapacity = 1024

var (
	// ErrClosed is returned for requests issued after Close started.
	ErrClosed = errors.New("icache: cache is closed")

	// ErrMalformedRequest is returned when a request carries both or neither
	// of its payloads. Such requests are never queued.
	ErrMalformedRequest = errors.New("icache: malformed request")

	// ErrNilItem is returned by Add for a nil item.
	ErrNilItem = errors.New("icache: nil item")

	// ErrIdentified is returned by Add for an item that already carries an
	// identity, such as a canonical item taken from another cache.
	ErrIdentified = errors.New("icache: item already has an identity")
)

// Options configures a Cache. The zero value is usable.
type Options struct {
	// QueueCapacity bounds the number of pending requests.
	// Defaults to DefaultQueueCapacity if <= 0.
	QueueCapacity int

	// IDs hands out item identities. Defaults to identity.Process().
	IDs *identity.Generator

	// Metrics, if non-nil, receives cache counters.
	Metrics *metrics.Metrics

	// keyOf and beforeHandle are overridden by tests.
	keyOf        func(*item.Item) uint64
	beforeHandle func()
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Submitted  uint64
	Hits       uint64
	Misses     uint64
	Collisions uint64
	Buckets    int64
	Items      int64
}

// Cache is the item cache handle. Instances must be created with New and
// released with Close.
type Cache struct {
	ctx     context.Context
	ids     *identity.Generator
	metrics *metrics.Metrics
	keyOf   func(*item.Item) uint64

	queue chan request
	index *index // worker-owned until done is closed

	ready chan struct{}
	done  chan struct{}

	// mu is held shared by every enqueue and exclusively by Close while it
	// marks the cache closed, so no send can land behind the stop request.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	beforeHandle func()

	submitted  atomic.Uint64
	hits       atomic.Uint64
	misses     atomic.Uint64
	collisions atomic.Uint64
	buckets    atomic.Int64
	items      atomic.Int64
}

// New starts a cache and its worker. It returns once the worker is waiting
// for requests. The logger carried by ctx is used by the worker.
func New(ctx context.Context, opts *Options) *Cache {
	if opts == nil {
		opts = &Options{}
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ids := opts.IDs
	if ids == nil {
		ids = identity.Process()
	}
	keyOf := opts.keyOf
	if keyOf == nil {
		keyOf = item.ContentKey
	}

	c := &Cache{
		ctx:          ctx,
		ids:          ids,
		metrics:      opts.Metrics,
		keyOf:        keyOf,
		queue:        make(chan request, capacity),
		index:        newIndex(),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		beforeHandle: opts.beforeHandle,
	}

	go c.run()
	<-c.ready

	clog.FromContext(ctx).Debugf("Item cache started (queue capacity: %d)", capacity)
	return c
}

// Add queues it for deduplication and publication into dst. Ownership of it
// passes to the cache on every path: when Add fails the item is released.
//
// Add blocks while the queue is full, until ctx is done or the cache closes.
func (c *Cache) Add(ctx context.Context, dst *result.Collection, it *item.Item) error {
	if it == nil {
		return ErrNilItem
	}
	if id := it.ID(); id != "" {
		it.Free()
		return fmt.Errorf("%w (%s)", ErrIdentified, id)
	}
	req, err := newRequest(dst, it, nil)
	if err != nil {
		it.Free()
		return err
	}
	if err := c.enqueue(ctx, req); err != nil {
		it.Free()
		return fmt.Errorf("queueing item: %w", err)
	}
	c.submitted.Add(1)
	c.observe(func(m *metrics.Metrics) { m.ItemsSubmitted.Inc() })
	return nil
}

// Sync blocks until the worker has handled every request queued before it.
// Writes made by the caller after Sync returns are ordered after all of those
// requests.
func (c *Cache) Sync(ctx context.Context) error {
	done := make(chan struct{})
	req, err := newRequest(nil, nil, done)
	if err != nil {
		return err
	}
	if err := c.enqueue(ctx, req); err != nil {
		return fmt.Errorf("queueing sync: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting requests, waits for submitters blocked on a full
// queue, lets the worker finish everything queued, joins it, and releases
// every cached item. Close is idempotent.
//
// Collections keep their own references, so items already published remain
// valid after Close.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.queue <- stopRequest()
		<-c.done

		released := c.index.free()
		c.buckets.Store(0)
		c.items.Store(0)
		c.observe(func(m *metrics.Metrics) { m.CachedItems.Sub(float64(released)) })

		clog.FromContext(c.ctx).Debugf("Item cache closed (released %d cached items)", released)
	})
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Submitted:  c.submitted.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Collisions: c.collisions.Load(),
		Buckets:    c.buckets.Load(),
		Items:      c.items.Load(),
	}
}

func (c *Cache) observe(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
