// Package identity hands out process-unique item identities.
package identity

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Generator produces identity tokens of the form "1" + zero-padded pid +
// counter. A Generator is safe for concurrent use; caches in the same process
// should share one so that tokens never repeat.
type Generator struct {
	pid  int
	next atomic.Uint64
}

// NewGenerator returns a generator stamping tokens with pid.
func NewGenerator(pid int) *Generator {
	return &Generator{pid: pid}
}

var process = sync.OnceValue(func() *Generator {
	return NewGenerator(os.Getpid())
})

// Process returns the generator shared by every cache in this process.
func Process() *Generator {
	return process()
}

// Next returns a fresh token. The counter is never reset.
func (g *Generator) Next() string {
	n := g.next.Add(1)
	return fmt.Sprintf("1%05d%d", g.pid, n)
}

// Issued returns how many tokens have been handed out.
func (g *Generator) Issued() uint64 {
	return g.next.Load()
}
