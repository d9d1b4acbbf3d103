package item

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// EqualContent reports whether a and b carry the same content: kind, status
// and the ordered entity list. The identity slot is not part of the content.
func EqualContent(a, b *Item) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.kind != b.kind || a.status != b.status || len(a.entities) != len(b.entities) {
		return false
	}
	for i := range a.entities {
		if a.entities[i] != b.entities[i] {
			return false
		}
	}
	return true
}

// ContentKey hashes the item's content. Items that are EqualContent always
// share a key; distinct items may collide.
func ContentKey(it *Item) uint64 {
	d := xxhash.New()
	writeField(d, it.kind)
	writeField(d, strconv.Itoa(int(it.status)))
	for _, e := range it.entities {
		writeField(d, e.Name)
		writeField(d, string(e.Datatype))
		writeField(d, strconv.Itoa(int(e.Status)))
		writeField(d, e.Value)
	}
	return d.Sum64()
}

// writeField length-prefixes s so that field boundaries are unambiguous.
func writeField(d *xxhash.Digest, s string) {
	_, _ = d.WriteString(strconv.Itoa(len(s)))
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(s)
}
