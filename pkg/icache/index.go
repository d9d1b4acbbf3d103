package icache

import (
	"fmt"

	"github.com/tidwall/btree"

	"github.com/imjasonh/itemcache/pkg/item"
)

// bucket holds the canonical items sharing one content key. No two of them
// have equal content.
type bucket struct {
	items []*item.Item
}

// find returns the cached item whose content equals it.
func (b *bucket) find(it *item.Item) (*item.Item, bool) {
	for _, cached := range b.items {
		if item.EqualContent(cached, it) {
			return cached, true
		}
	}
	return nil, false
}

// index maps content keys to buckets. It is only touched by the worker, and
// by Close once the worker has exited.
type index struct {
	tree *btree.Map[uint64, *bucket]
}

func newIndex() *index {
	return &index{tree: btree.NewMap[uint64, *bucket](0)}
}

func (x *index) get(key uint64) (*bucket, bool) {
	return x.tree.Get(key)
}

// insert records a bucket for a key known to be absent.
func (x *index) insert(key uint64, b *bucket) {
	if _, replaced := x.tree.Set(key, b); replaced {
		panic(fmt.Sprintf("icache: bucket for key %#x already present", key))
	}
}

// free releases the cache's reference on every bucket item and empties the
// index. It returns the number of items released.
func (x *index) free() int {
	n := 0
	x.tree.Scan(func(_ uint64, b *bucket) bool {
		for _, it := range b.items {
			it.Free()
			n++
		}
		b.items = nil
		return true
	})
	x.tree = btree.NewMap[uint64, *bucket](0)
	return n
}
