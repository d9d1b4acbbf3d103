package icache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/imjasonh/itemcache/pkg/identity"
	"github.com/imjasonh/itemcache/pkg/item"
	"github.com/imjasonh/itemcache/pkg/metrics"
	"github.com/imjasonh/itemcache/pkg/result"
)

func newTestItem(filepath string, instance int64) *item.Item {
	return item.New("textfilecontent_item", item.StatusExists,
		item.String("filepath", filepath),
		item.Int("instance", instance),
	)
}

func newTestCache(t *testing.T, opts *Options) *Cache {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.IDs == nil {
		opts.IDs = identity.NewGenerator(1234)
	}
	c := New(context.Background(), opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustAdd(t *testing.T, c *Cache, dst *result.Collection, it *item.Item) {
	t.Helper()
	if err := c.Add(context.Background(), dst, it); err != nil {
		t.Fatalf("Add() = %v", err)
	}
}

func mustSync(t *testing.T, c *Cache) {
	t.Helper()
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() = %v", err)
	}
}

func TestDeduplication(t *testing.T) {
	c := newTestCache(t, nil)
	dst := result.New("obj:1")

	first := newTestItem("/etc/passwd", 1)
	second := newTestItem("/etc/passwd", 1)
	mustAdd(t, c, dst, first)
	mustAdd(t, c, dst, second)
	mustSync(t, c)

	items := dst.Items()
	if len(items) != 2 {
		t.Fatalf("collection has %d items, want 2", len(items))
	}
	if items[0] != items[1] {
		t.Error("both submissions must resolve to the same canonical item")
	}
	if items[0] != first {
		t.Error("the first submission must be canonical")
	}
	if items[0].ID() == "" {
		t.Error("canonical item has no identity")
	}
	if !second.Released() {
		t.Errorf("duplicate still holds %d references", second.Refs())
	}
	// One reference held by the cache, two by the collection.
	if got := first.Refs(); got != 3 {
		t.Errorf("canonical Refs() = %d, want 3", got)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Submitted != 2 {
		t.Errorf("Stats() = %+v, want 1 hit, 1 miss, 2 submitted", stats)
	}
}

func TestDistinctItemsGetDistinctIdentities(t *testing.T) {
	c := newTestCache(t, nil)
	dst := result.New("obj:1")

	const n = 50
	for i := range n {
		mustAdd(t, c, dst, newTestItem("/etc/hosts", int64(i)))
	}
	mustSync(t, c)

	seen := make(map[string]bool)
	for _, it := range dst.Items() {
		if it.ID() == "" {
			t.Fatalf("item %v has no identity", it)
		}
		if seen[it.ID()] {
			t.Errorf("identity %q assigned twice", it.ID())
		}
		seen[it.ID()] = true
	}
	if len(seen) != n {
		t.Errorf("got %d identities, want %d", len(seen), n)
	}
}

func TestIdentityStableAcrossHits(t *testing.T) {
	ids := identity.NewGenerator(99)
	c := newTestCache(t, &Options{IDs: ids})
	dst := result.New("obj:1")

	mustAdd(t, c, dst, newTestItem("/etc/shadow", 1))
	mustSync(t, c)
	want := dst.Items()[0].ID()

	for range 5 {
		mustAdd(t, c, dst, newTestItem("/etc/shadow", 1))
	}
	mustSync(t, c)

	for i, it := range dst.Items() {
		if it.ID() != want {
			t.Errorf("item %d identity = %q, want %q", i, it.ID(), want)
		}
	}
	if ids.Issued() != 1 {
		t.Errorf("generator issued %d identities, want 1", ids.Issued())
	}
}

func TestCollisionBuckets(t *testing.T) {
	// Every item shares one key, so equality alone separates them.
	c := newTestCache(t, &Options{keyOf: func(*item.Item) uint64 { return 7 }})
	dst := result.New("obj:1")

	a := newTestItem("/a", 1)
	b := newTestItem("/b", 1)
	c2 := newTestItem("/c", 1)
	dupB := newTestItem("/b", 1)
	for _, it := range []*item.Item{a, b, c2, dupB} {
		mustAdd(t, c, dst, it)
	}
	mustSync(t, c)

	items := dst.Items()
	if len(items) != 4 {
		t.Fatalf("collection has %d items, want 4", len(items))
	}
	if items[3] != b {
		t.Error("duplicate of /b must resolve to the first /b")
	}
	if a.ID() == b.ID() || b.ID() == c2.ID() || a.ID() == c2.ID() {
		t.Errorf("colliding items share identities: %q %q %q", a.ID(), b.ID(), c2.ID())
	}

	stats := c.Stats()
	if stats.Buckets != 1 {
		t.Errorf("Buckets = %d, want 1", stats.Buckets)
	}
	if stats.Misses != 1 || stats.Collisions != 2 || stats.Hits != 1 {
		t.Errorf("Stats() = %+v, want 1 miss, 2 collisions, 1 hit", stats)
	}
	if stats.Items != 3 {
		t.Errorf("Items = %d, want 3", stats.Items)
	}
}

func TestCloseReleasesCachedItems(t *testing.T) {
	c := New(context.Background(), &Options{
		IDs:   identity.NewGenerator(1),
		keyOf: func(it *item.Item) uint64 { return uint64(len(it.Values("filepath")[0])) },
	})
	dst := result.New("obj:1")

	// "/aa" and "/bb" collide on length; "/c" has its own bucket.
	aa := newTestItem("/aa", 1)
	bb := newTestItem("/bb", 1)
	cc := newTestItem("/c", 1)
	dups := []*item.Item{newTestItem("/aa", 1), newTestItem("/bb", 1)}
	for _, it := range append([]*item.Item{aa, bb, cc}, dups...) {
		mustAdd(t, c, dst, it)
	}
	mustSync(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	// After Close only the collection's references remain.
	for _, tt := range []struct {
		desc string
		it   *item.Item
		want int32
	}{
		{"aa", aa, 2},
		{"bb", bb, 2},
		{"cc", cc, 1},
		{"duplicate aa", dups[0], 0},
		{"duplicate bb", dups[1], 0},
	} {
		if got := tt.it.Refs(); got != tt.want {
			t.Errorf("%s: Refs() = %d, want %d", tt.desc, got, tt.want)
		}
	}

	dst.Free()
	for _, it := range []*item.Item{aa, bb, cc} {
		if !it.Released() {
			t.Errorf("%v still referenced after collection release", it)
		}
	}

	if s := c.Stats(); s.Buckets != 0 || s.Items != 0 {
		t.Errorf("Stats() after Close = %+v, want empty", s)
	}

	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestAddAfterClose(t *testing.T) {
	c := New(context.Background(), nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	it := newTestItem("/etc/passwd", 1)
	err := c.Add(context.Background(), result.New("obj:1"), it)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Add() = %v, want ErrClosed", err)
	}
	if !it.Released() {
		t.Error("rejected item was not released")
	}
	if err := c.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync() = %v, want ErrClosed", err)
	}
}

func TestMalformedRequests(t *testing.T) {
	dst := result.New("obj:1")
	it := newTestItem("/x", 1)
	done := make(chan struct{})

	for _, tt := range []struct {
		desc     string
		dst      *result.Collection
		it       *item.Item
		done     chan struct{}
		wantKind requestKind
		wantErr  bool
	}{
		{desc: "submit", dst: dst, it: it, wantKind: kindSubmit},
		{desc: "flush", done: done, wantKind: kindFlush},
		{desc: "neither", wantErr: true},
		{desc: "both", dst: dst, it: it, done: done, wantErr: true},
		{desc: "item without destination", it: it, wantErr: true},
		{desc: "destination without item", dst: dst, wantErr: true},
		{desc: "flush with destination", dst: dst, done: done, wantErr: true},
	} {
		t.Run(tt.desc, func(t *testing.T) {
			req, err := newRequest(tt.dst, tt.it, tt.done)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRequest) {
					t.Errorf("newRequest() error = %v, want ErrMalformedRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("newRequest() = %v", err)
			}
			if req.kind != tt.wantKind {
				t.Errorf("kind = %d, want %d", req.kind, tt.wantKind)
			}
		})
	}
}

func TestAddReleasesMalformed(t *testing.T) {
	c := newTestCache(t, nil)

	it := newTestItem("/x", 1)
	if err := c.Add(context.Background(), nil, it); !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("Add(nil dst) = %v, want ErrMalformedRequest", err)
	}
	if !it.Released() {
		t.Error("item was not released")
	}
	if err := c.Add(context.Background(), result.New("obj:1"), nil); !errors.Is(err, ErrNilItem) {
		t.Errorf("Add(nil item) = %v, want ErrNilItem", err)
	}
}

// stalledWorker returns Options whose worker blocks before each request until
// release is called. entered receives a value each time the worker stalls.
func stalledWorker() (opts *Options, entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	ch := make(chan struct{}, 64)
	var once sync.Once
	opts = &Options{
		QueueCapacity: 2,
		beforeHandle: func() {
			select {
			case ch <- struct{}{}:
			default:
			}
			<-gate
		},
	}
	return opts, ch, func() { once.Do(func() { close(gate) }) }
}

func TestBackpressure(t *testing.T) {
	opts, entered, release := stalledWorker()
	defer release()
	c := newTestCache(t, opts)
	dst := result.New("obj:1")

	// The worker takes the first request and stalls on it.
	mustAdd(t, c, dst, newTestItem("/f", 0))
	<-entered

	// Two more fill the queue.
	mustAdd(t, c, dst, newTestItem("/f", 1))
	mustAdd(t, c, dst, newTestItem("/f", 2))

	returned := make(chan error, 1)
	go func() {
		returned <- c.Add(context.Background(), dst, newTestItem("/f", 3))
	}()

	select {
	case err := <-returned:
		t.Fatalf("Add() on a full queue returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	release()
	if err := <-returned; err != nil {
		t.Fatalf("blocked Add() = %v", err)
	}
	mustSync(t, c)

	items := dst.Items()
	if len(items) != 4 {
		t.Fatalf("collection has %d items, want 4", len(items))
	}
	for i, it := range items {
		if got := it.Values("instance")[0]; got != strconv.Itoa(i) {
			t.Errorf("item %d has instance %s, want %d", i, got, i)
		}
	}
}

func TestAddCanceledWhileFull(t *testing.T) {
	opts, entered, release := stalledWorker()
	defer release()
	c := newTestCache(t, opts)
	dst := result.New("obj:1")

	mustAdd(t, c, dst, newTestItem("/f", 0))
	<-entered
	mustAdd(t, c, dst, newTestItem("/f", 1))
	mustAdd(t, c, dst, newTestItem("/f", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	it := newTestItem("/f", 3)
	if err := c.Add(ctx, dst, it); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Add() = %v, want context.DeadlineExceeded", err)
	}
	if !it.Released() {
		t.Error("canceled item was not released")
	}

	release()
	mustSync(t, c)
	if dst.Len() != 3 {
		t.Errorf("collection has %d items, want 3", dst.Len())
	}
}

func TestSyncOrdersAfterEarlierSubmissions(t *testing.T) {
	c := newTestCache(t, &Options{QueueCapacity: 4})
	dst := result.New("obj:1")

	for round := 1; round <= 3; round++ {
		for i := range 10 {
			mustAdd(t, c, dst, newTestItem(fmt.Sprintf("/round/%d", round), int64(i)))
		}
		mustSync(t, c)
		if got, want := dst.Len(), round*10; got != want {
			t.Fatalf("after round %d Sync: %d items, want %d", round, got, want)
		}
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	m := metrics.New()
	c := newTestCache(t, &Options{QueueCapacity: 8, Metrics: m})
	dst := result.New("obj:1")

	const workers, perWorker, distinct = 8, 100, 10
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				it := newTestItem("/shared", int64((w+i)%distinct))
				if err := c.Add(context.Background(), dst, it); err != nil {
					t.Errorf("Add() = %v", err)
				}
			}
		}()
	}
	wg.Wait()
	mustSync(t, c)

	if dst.Len() != workers*perWorker {
		t.Fatalf("collection has %d items, want %d", dst.Len(), workers*perWorker)
	}

	canonical := make(map[string]*item.Item)
	for _, it := range dst.Items() {
		if prev, ok := canonical[it.ID()]; ok && prev != it {
			t.Fatalf("identity %q shared by two instances", it.ID())
		}
		canonical[it.ID()] = it
	}
	if len(canonical) != distinct {
		t.Errorf("got %d canonical items, want %d", len(canonical), distinct)
	}

	stats := c.Stats()
	if stats.Misses != distinct || stats.Hits != workers*perWorker-distinct {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestAddRejectsIdentifiedItem(t *testing.T) {
	first := newTestCache(t, &Options{IDs: identity.NewGenerator(1)})
	second := newTestCache(t, &Options{IDs: identity.NewGenerator(2)})
	dst1, dst2 := result.New("obj:1"), result.New("obj:2")

	it := newTestItem("/etc/passwd", 1)
	mustAdd(t, first, dst1, it)
	mustSync(t, first)
	id := it.ID()

	err := second.Add(context.Background(), dst2, it.Ref())
	if !errors.Is(err, ErrIdentified) {
		t.Fatalf("Add() of identified item = %v, want ErrIdentified", err)
	}
	mustSync(t, second)

	if got := it.ID(); got != id {
		t.Errorf("ID() = %q after rejected Add, want %q", got, id)
	}
	if dst2.Len() != 0 {
		t.Errorf("second collection has %d items, want 0", dst2.Len())
	}
	// One reference held by the first cache, one by dst1.
	if got, want := it.Refs(), int32(2); got != want {
		t.Errorf("Refs() = %d, want %d", got, want)
	}
	if s := second.Stats(); s.Submitted != 0 || s.Items != 0 {
		t.Errorf("second Stats() = %+v, want empty", s)
	}
}

func TestCloseWithBlockedSubmitters(t *testing.T) {
	c := New(context.Background(), &Options{
		IDs:           identity.NewGenerator(1),
		QueueCapacity: 1,
	})
	dst := result.New("obj:1")

	const workers, perWorker = 16, 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected []*item.Item
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				it := newTestItem(fmt.Sprintf("/w%d/%d", w, i), 1)
				err := c.Add(context.Background(), dst, it)
				mu.Lock()
				if err == nil {
					accepted++
				} else if errors.Is(err, ErrClosed) {
					rejected = append(rejected, it)
				} else {
					t.Errorf("Add() = %v", err)
				}
				mu.Unlock()
			}
		}()
	}

	time.Sleep(time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	wg.Wait()

	if got := dst.Len(); got != accepted {
		t.Errorf("collection has %d items, want %d accepted", got, accepted)
	}
	for _, it := range dst.Items() {
		if got, want := it.Refs(), int32(1); got != want {
			t.Errorf("%v: Refs() = %d, want %d", it, got, want)
		}
	}
	for _, it := range rejected {
		if !it.Released() {
			t.Errorf("%v rejected but still referenced", it)
		}
	}
	if got := c.Stats().Submitted; got != uint64(accepted) {
		t.Errorf("Stats().Submitted = %d, want %d", got, accepted)
	}
}
