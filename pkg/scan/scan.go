// Package scan evaluates a set of text file content objects in one pass.
// All objects of a pass share a single item cache, so a match reported by
// several objects is held once.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/imjasonh/itemcache/pkg/collect"
	"github.com/imjasonh/itemcache/pkg/filter"
	"github.com/imjasonh/itemcache/pkg/icache"
	"github.com/imjasonh/itemcache/pkg/identity"
	"github.com/imjasonh/itemcache/pkg/memusage"
	"github.com/imjasonh/itemcache/pkg/metrics"
	"github.com/imjasonh/itemcache/pkg/probe/textfilecontent"
	"github.com/imjasonh/itemcache/pkg/result"
)

// Object is one check: the probe object plus the filters applied to its items.
type Object struct {
	textfilecontent.Object
	Filters filter.Set
}

// Options configures a Runner.
type Options struct {
	Limits        collect.Limits
	QueueCapacity int
	// Concurrency bounds the objects evaluated at once; <= 0 means one.
	Concurrency int

	Memory  memusage.Reader
	Metrics *metrics.Metrics
	// IDs defaults to identity.Process().
	IDs *identity.Generator
}

// Runner runs scan passes.
type Runner struct {
	opts Options
}

// New returns a Runner.
func New(opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.IDs == nil {
		opts.IDs = identity.Process()
	}
	return &Runner{opts: opts}
}

// ObjectResult is the outcome of one object.
type ObjectResult struct {
	ID         string
	Collection *result.Collection
	Stats      textfilecontent.Stats
	// Err is the probe failure, if any. It is also recorded on Collection.
	Err error
}

// Pass is the outcome of one scan pass. Its collections hold item references
// until Free is called.
type Pass struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Objects    []ObjectResult
	Cache      icache.Stats
}

// Free releases every collection of the pass.
func (p *Pass) Free() {
	for _, o := range p.Objects {
		o.Collection.Free()
	}
}

// Run evaluates objects and returns their collections in input order. A
// failing object does not fail the pass; only cancellation and cache
// failures do.
func (r *Runner) Run(ctx context.Context, objects []Object) (*Pass, error) {
	log := clog.FromContext(ctx)
	pass := &Pass{
		StartedAt: time.Now(),
		Objects:   make([]ObjectResult, len(objects)),
	}
	for i, obj := range objects {
		pass.Objects[i] = ObjectResult{ID: obj.ID, Collection: result.New(obj.ID)}
	}

	cache := icache.New(ctx, &icache.Options{
		QueueCapacity: r.opts.QueueCapacity,
		IDs:           r.opts.IDs,
		Metrics:       r.opts.Metrics,
	})
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warnf("Closing item cache: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, obj := range objects {
		g.Go(func() error {
			return r.evaluate(gctx, cache, obj, &pass.Objects[i])
		})
	}
	err := g.Wait()
	if serr := cache.Sync(ctx); serr != nil && err == nil {
		err = fmt.Errorf("syncing item cache: %w", serr)
	}
	if err != nil {
		pass.Free()
		return nil, err
	}

	pass.Cache = cache.Stats()
	pass.FinishedAt = time.Now()
	log.Infof("Scan pass finished: %d objects, %d items (%d hits, %d misses) in %s",
		len(objects), pass.Cache.Items, pass.Cache.Hits, pass.Cache.Misses,
		pass.FinishedAt.Sub(pass.StartedAt).Round(time.Millisecond))
	return pass, nil
}

func (r *Runner) evaluate(ctx context.Context, cache *icache.Cache, obj Object, out *ObjectResult) error {
	log := clog.FromContext(ctx).With("object", obj.ID)
	ctx = clog.WithLogger(ctx, log)

	pctx := collect.NewContext(cache, out.Collection, collect.Options{
		Filters: obj.Filters,
		Limits:  r.opts.Limits,
		Memory:  r.opts.Memory,
		Metrics: r.opts.Metrics,
	})

	stats, err := textfilecontent.Run(ctx, pctx, obj.Object)
	out.Stats = stats
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObjectsEvaluated.Inc()
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, icache.ErrClosed) {
		return err
	}
	log.Warnf("Evaluating object: %v", err)
	out.Err = err
	return nil
}
