package icache

import (
	"context"

	"github.com/imjasonh/itemcache/pkg/item"
	"github.com/imjasonh/itemcache/pkg/result"
)

type requestKind int

const (
	kindSubmit requestKind = iota + 1
	kindFlush
	kindStop
)

// request is either a submission {dst, item} or a flush carrying a one-shot
// completion channel. The stop request is internal to Close.
type request struct {
	kind requestKind
	dst  *result.Collection
	item *item.Item
	done chan struct{}
}

// newRequest builds a submission when dst and it are set, or a flush when
// done is set. Any other combination is malformed.
func newRequest(dst *result.Collection, it *item.Item, done chan struct{}) (request, error) {
	switch {
	case dst != nil && it != nil && done == nil:
		return request{kind: kindSubmit, dst: dst, item: it}, nil
	case dst == nil && it == nil && done != nil:
		return request{kind: kindFlush, done: done}, nil
	default:
		return request{}, ErrMalformedRequest
	}
}

func stopRequest() request {
	return request{kind: kindStop}
}

// enqueue appends req to the queue, blocking while it is full. Close waits
// for blocked callers, which the worker keeps draining.
func (c *Cache) enqueue(ctx context.Context, req request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
