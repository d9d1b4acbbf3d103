package icache

import (
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/itemcache/pkg/item"
	"github.com/imjasonh/itemcache/pkg/metrics"
)

// run is the worker loop. It is the only goroutine that reads the queue while
// the cache is open.
func (c *Cache) run() {
	defer close(c.done)

	clog.FromContext(c.ctx).Debug("Item cache worker ready")
	close(c.ready)

	for req := range c.queue {
		if c.beforeHandle != nil {
			c.beforeHandle()
		}

		switch req.kind {
		case kindFlush:
			close(req.done)
		case kindStop:
			return
		case kindSubmit:
			c.handle(req)
		default:
			panic(fmt.Sprintf("icache: unknown request kind %d", req.kind))
		}

		depth := len(c.queue)
		c.observe(func(m *metrics.Metrics) { m.QueueDepth.Set(float64(depth)) })
	}
}

// handle resolves the canonical item for a submission and publishes it.
func (c *Cache) handle(req request) {
	canonical := c.lookup(c.keyOf(req.item), req.item)
	req.dst.Append(canonical.Ref())
}

// lookup returns the canonical item for it. On a miss or a distinct collision
// it becomes canonical and receives an identity; on a hit it is released in
// favor of the cached item.
func (c *Cache) lookup(key uint64, it *item.Item) *item.Item {
	log := clog.FromContext(c.ctx)

	b, ok := c.index.get(key)
	if !ok {
		log.Debugf("Item cache MISS (key=%#x)", key)
		c.index.insert(key, &bucket{items: []*item.Item{it}})
		c.assignID(it)
		c.misses.Add(1)
		c.buckets.Add(1)
		return it
	}

	if len(b.items) == 0 {
		panic(fmt.Sprintf("icache: empty bucket for key %#x", key))
	}

	if cached, found := b.find(it); found {
		log.Debugf("Item cache HIT (key=%#x, id=%s)", key, cached.ID())
		it.Free()
		c.hits.Add(1)
		c.observe(func(m *metrics.Metrics) { m.ItemsDuplicate.Inc() })
		return cached
	}

	log.Debugf("Item cache collision (key=%#x, bucket size=%d)", key, len(b.items))
	b.items = append(b.items, it)
	c.assignID(it)
	c.collisions.Add(1)
	c.observe(func(m *metrics.Metrics) { m.ItemsCollisions.Inc() })
	return it
}

func (c *Cache) assignID(it *item.Item) {
	it.SetID(c.ids.Next())
	c.items.Add(1)
	c.observe(func(m *metrics.Metrics) {
		m.ItemsNew.Inc()
		m.CachedItems.Inc()
	})
}
