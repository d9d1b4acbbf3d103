// Package result holds the collected object a probe fills for one check.
package result

import (
	"fmt"

	"github.com/imjasonh/itemcache/pkg/item"
)

// Flag is the completeness flag of a collection.
type Flag int

const (
	FlagComplete Flag = iota
	FlagIncomplete
	FlagError
	FlagDoesNotExist
	FlagNotCollected
)

func (f Flag) String() string {
	switch f {
	case FlagComplete:
		return "complete"
	case FlagIncomplete:
		return "incomplete"
	case FlagError:
		return "error"
	case FlagDoesNotExist:
		return "does not exist"
	case FlagNotCollected:
		return "not collected"
	default:
		return fmt.Sprintf("Flag(%d)", int(f))
	}
}

// Level is the severity of a diagnostic message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Message is one diagnostic attached to a collection.
type Message struct {
	Level Level
	Text  string
}

// Collection is the result of evaluating one object: the accepted canonical
// items, a completeness flag and a message log.
//
// Collection does no locking of its own. Items are appended only by the item
// cache worker; the flag and messages are written by submitters after a
// cache Sync, which orders them after every in-flight append.
type Collection struct {
	ObjectID string

	items    []*item.Item
	flag     Flag
	messages []Message
}

// New returns an empty, complete collection for the given object.
func New(objectID string) *Collection {
	return &Collection{ObjectID: objectID}
}

// Append records a reference to it. The collection owns that reference.
func (c *Collection) Append(it *item.Item) {
	c.items = append(c.items, it)
}

// Items returns the collected items in acceptance order.
func (c *Collection) Items() []*item.Item {
	return append([]*item.Item(nil), c.items...)
}

// Len returns the number of collected items.
func (c *Collection) Len() int { return len(c.items) }

// Flag returns the completeness flag.
func (c *Collection) Flag() Flag { return c.flag }

// SetFlag overwrites the completeness flag.
func (c *Collection) SetFlag(f Flag) { c.flag = f }

// AddMessage appends a diagnostic message.
func (c *Collection) AddMessage(level Level, text string) {
	c.messages = append(c.messages, Message{Level: level, Text: text})
}

// Messages returns the message log.
func (c *Collection) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

// Free releases every item reference held by the collection.
func (c *Collection) Free() {
	for _, it := range c.items {
		it.Free()
	}
	c.items = nil
}
