// Package collect is the probe-facing side of the item cache: it applies an
// object's filters and resource limits to each item before handing it to the
// cache, and flags the collection incomplete when items have to be dropped.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/itemcache/pkg/filter"
	"github.com/imjasonh/itemcache/pkg/icache"
	"github.com/imjasonh/itemcache/pkg/item"
	"github.com/imjasonh/itemcache/pkg/memusage"
	"github.com/imjasonh/itemcache/pkg/metrics"
	"github.com/imjasonh/itemcache/pkg/result"
)

const (
	// Unlimited disables the item count limit.
	Unlimited int64 = -1

	// MemcheckThreshold is the accepted item count above which the memory
	// limit is evaluated. Small collections never query memory usage.
	MemcheckThreshold = 1000

	// DefaultMaxMemRatio is the default limit on resident/total memory.
	DefaultMaxMemRatio = 0.1
)

// ErrNilItem is returned by Collect for a nil item.
var ErrNilItem = errors.New("collect: nil item")

// Result is the outcome of Collect.
type Result int

const (
	// ResultAccepted means the item was queued for the collection.
	ResultAccepted Result = iota
	// ResultFiltered means an object filter rejected the item.
	ResultFiltered
	// ResultDropped means a resource limit rejected the item and the
	// collection is flagged incomplete.
	ResultDropped
	// ResultError means an internal failure; the error says which.
	ResultError
)

// Code returns the numeric status: 0 accepted, 1 filtered, 2 dropped,
// -1 error.
func (r Result) Code() int {
	switch r {
	case ResultAccepted:
		return 0
	case ResultFiltered:
		return 1
	case ResultDropped:
		return 2
	default:
		return -1
	}
}

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultFiltered:
		return "filtered"
	case ResultDropped:
		return "dropped"
	default:
		return "error"
	}
}

// Limits are the resource limits of one object evaluation.
type Limits struct {
	// MaxItems caps accepted items; Unlimited disables the cap.
	MaxItems int64
	// MaxMemRatio caps resident memory as a fraction of system memory.
	MaxMemRatio float64
}

// DefaultLimits returns no item cap and DefaultMaxMemRatio.
func DefaultLimits() Limits {
	return Limits{MaxItems: Unlimited, MaxMemRatio: DefaultMaxMemRatio}
}

// Options configures a Context.
type Options struct {
	Filters filter.Set
	Limits  Limits
	// Memory is required once more than MemcheckThreshold items are accepted.
	Memory  memusage.Reader
	Metrics *metrics.Metrics
}

// Context carries the state a probe needs to collect items for one object.
// It is safe for use by several probe goroutines at once.
type Context struct {
	cache   *icache.Cache
	out     *result.Collection
	filters filter.Set
	limits  Limits
	mem     memusage.Reader
	metrics *metrics.Metrics

	collected atomic.Int64

	// mu serializes metadata updates of out; each one runs after a Sync.
	mu sync.Mutex
}

// NewContext returns a Context publishing into out through cache.
func NewContext(cache *icache.Cache, out *result.Collection, opts Options) *Context {
	return &Context{
		cache:   cache,
		out:     out,
		filters: opts.Filters,
		limits:  opts.Limits,
		mem:     opts.Memory,
		metrics: opts.Metrics,
	}
}

// Result returns the collection items are published into.
func (c *Context) Result() *result.Collection { return c.out }

// Collected returns the number of accepted items.
func (c *Context) Collected() int64 { return c.collected.Load() }

// Collect submits it for the collection. The item is consumed on every path;
// the caller must not use it afterwards. A dropped item is not an error: the
// probe should keep scanning.
func (c *Context) Collect(ctx context.Context, it *item.Item) (Result, error) {
	if it == nil {
		return ResultError, ErrNilItem
	}

	if c.filters.Filtered(it) {
		it.Free()
		c.observe(func(m *metrics.Metrics) { m.ItemsFiltered.Inc() })
		return ResultFiltered, nil
	}

	reason, err := c.admit(ctx)
	if err != nil {
		it.Free()
		return ResultError, err
	}
	if reason != "" {
		it.Free()
		c.observe(func(m *metrics.Metrics) { m.ItemsDropped.Inc() })
		if err := c.MarkIncomplete(ctx, reason); err != nil {
			return ResultError, err
		}
		return ResultDropped, nil
	}

	if err := c.cache.Add(ctx, c.out, it); err != nil {
		c.collected.Add(-1)
		clog.FromContext(ctx).Errorf("Can't add item to the item cache: %v", err)
		return ResultError, fmt.Errorf("adding item to cache: %w", err)
	}
	return ResultAccepted, nil
}

// reserve claims one slot of the item count limit and returns the number of
// items accepted before it. It fails once the limit is reached.
func (c *Context) reserve() (int64, bool) {
	for {
		n := c.collected.Load()
		if c.limits.MaxItems != Unlimited && n >= c.limits.MaxItems {
			return n, false
		}
		if c.collected.CompareAndSwap(n, n+1) {
			return n, true
		}
	}
}

// admit applies the count and memory limits. On success a slot is held for
// the item; a non-empty reason or an error means it is not, and the item must
// be dropped.
func (c *Context) admit(ctx context.Context) (reason string, err error) {
	n, ok := c.reserve()
	if !ok {
		return fmt.Sprintf("Object is incomplete because the object matches more than %d items.", c.limits.MaxItems), nil
	}
	defer func() {
		if reason != "" || err != nil {
			c.collected.Add(-1)
		}
	}()

	if n <= MemcheckThreshold {
		return "", nil
	}
	if c.mem == nil {
		return "", fmt.Errorf("checking memory usage: %w", memusage.ErrUnavailable)
	}
	proc, err := c.mem.Process()
	if err != nil {
		return "", fmt.Errorf("checking process memory usage: %w", err)
	}
	sys, err := c.mem.System()
	if err != nil {
		return "", fmt.Errorf("checking system memory usage: %w", err)
	}

	ratio := memusage.Ratio(proc, sys)
	c.observe(func(m *metrics.Metrics) { m.MemoryRatio.Set(ratio) })
	if ratio > c.limits.MaxMemRatio {
		clog.FromContext(ctx).Warnf("Memory usage ratio limit reached! limit=%f, current=%f, used=%d MB, free=%d MB, total=%d MB, count of items=%d",
			c.limits.MaxMemRatio, ratio, proc.RSS>>20, sys.Free>>20, sys.Total>>20, n)
		return "Object is incomplete due to memory constraints.", nil
	}
	return "", nil
}

// MarkIncomplete flags the collection incomplete with message as the reason.
// It does nothing when the collection is already flagged incomplete, however
// the flag got there. Any other flag, including an error, is overwritten.
func (c *Context) MarkIncomplete(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out.Flag() == result.FlagIncomplete {
		return nil
	}
	if err := c.cache.Sync(ctx); err != nil {
		return fmt.Errorf("syncing with item cache: %w", err)
	}

	c.out.AddMessage(result.LevelWarning, message)
	c.out.SetFlag(result.FlagIncomplete)
	c.observe(func(m *metrics.Metrics) { m.ObjectsIncomplete.Inc() })
	clog.FromContext(ctx).Warnf("Collection %s marked incomplete: %s", c.out.ObjectID, message)
	return nil
}

// AddError records an error message and flags the collection as errored.
func (c *Context) AddError(ctx context.Context, message string) error {
	return c.update(ctx, func() {
		c.out.AddMessage(result.LevelError, message)
		c.out.SetFlag(result.FlagError)
	})
}

// AddMessage records a diagnostic without touching the flag.
func (c *Context) AddMessage(ctx context.Context, level result.Level, message string) error {
	return c.update(ctx, func() {
		c.out.AddMessage(level, message)
	})
}

// SetFlag overwrites the completeness flag.
func (c *Context) SetFlag(ctx context.Context, flag result.Flag) error {
	return c.update(ctx, func() {
		c.out.SetFlag(flag)
	})
}

func (c *Context) update(ctx context.Context, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cache.Sync(ctx); err != nil {
		return fmt.Errorf("syncing with item cache: %w", err)
	}
	fn()
	return nil
}

func (c *Context) observe(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
