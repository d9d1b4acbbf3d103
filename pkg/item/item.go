// Package item models the result records emitted by probes.
//
// An Item is built once by a probe and then handed to the item cache, which
// owns it from that point on. Items carry an explicit reference count so that
// every path that drops an item (filters, resource limits, deduplication) can
// be accounted for.
package item

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Status is the collection status of an item or entity.
type Status int

const (
	StatusExists Status = iota
	StatusDoesNotExist
	StatusError
	StatusNotCollected
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusDoesNotExist:
		return "does not exist"
	case StatusError:
		return "error"
	case StatusNotCollected:
		return "not collected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Datatype is the declared type of an entity value.
type Datatype string

const (
	DatatypeString  Datatype = "string"
	DatatypeInt     Datatype = "int"
	DatatypeBoolean Datatype = "boolean"
)

// Entity is one named value of an item.
type Entity struct {
	Name     string
	Datatype Datatype
	Status   Status
	Value    string
}

// String returns a string entity.
func String(name, value string) Entity {
	return Entity{Name: name, Datatype: DatatypeString, Value: value}
}

// Int returns an integer entity.
func Int(name string, value int64) Entity {
	return Entity{Name: name, Datatype: DatatypeInt, Value: strconv.FormatInt(value, 10)}
}

// Bool returns a boolean entity.
func Bool(name string, value bool) Entity {
	return Entity{Name: name, Datatype: DatatypeBoolean, Value: strconv.FormatBool(value)}
}

// Item is one structured result record produced by a probe.
// The content (kind, status, entities) is fixed at construction; only the
// identity slot is written later, once, by the item cache.
type Item struct {
	kind     string
	status   Status
	entities []Entity

	id   string
	refs atomic.Int32
}

// New builds an item holding a single reference, owned by the caller.
func New(kind string, status Status, entities ...Entity) *Item {
	it := &Item{
		kind:     kind,
		status:   status,
		entities: append([]Entity(nil), entities...),
	}
	it.refs.Store(1)
	return it
}

// Kind returns the item type, e.g. "textfilecontent_item".
func (it *Item) Kind() string { return it.kind }

// Status returns the item status.
func (it *Item) Status() Status { return it.status }

// Entities returns a copy of the item's entities in order.
func (it *Item) Entities() []Entity {
	return append([]Entity(nil), it.entities...)
}

// Entity returns the first entity with the given name.
func (it *Item) Entity(name string) (Entity, bool) {
	for _, e := range it.entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Values returns the values of every entity with the given name.
func (it *Item) Values(name string) []string {
	var out []string
	for _, e := range it.entities {
		if e.Name == name {
			out = append(out, e.Value)
		}
	}
	return out
}

// ID returns the identity assigned by the item cache, or "" if none yet.
func (it *Item) ID() string { return it.id }

// SetID writes the identity slot. It is called by the item cache worker
// exactly once per canonical item; calling it twice is a programming error.
func (it *Item) SetID(id string) {
	if it.id != "" {
		panic(fmt.Sprintf("item: identity already assigned (%s)", it.id))
	}
	it.id = id
}

// Ref takes an additional reference and returns the item.
func (it *Item) Ref() *Item {
	if it.refs.Add(1) <= 1 {
		panic("item: reference taken on a released item")
	}
	return it
}

// Free drops one reference. Releasing an item more times than it was
// referenced panics.
func (it *Item) Free() {
	if it.refs.Add(-1) < 0 {
		panic("item: release of a released item")
	}
}

// Refs returns the current reference count.
func (it *Item) Refs() int32 { return it.refs.Load() }

// Released reports whether every reference has been dropped.
func (it *Item) Released() bool { return it.refs.Load() <= 0 }

func (it *Item) String() string {
	return fmt.Sprintf("%s(id=%q, %d entities)", it.kind, it.id, len(it.entities))
}
