package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out segment IDs of the form "<session>-seg-<n>" with n
// starting at 1. Safe for concurrent use.
type Generator struct {
	session string
	counter atomic.Uint64
}

// NewGenerator creates a generator for one decode session.
func NewGenerator(session string) *Generator {
	return &Generator{session: session}
}

// Next returns a fresh segment ID.
func (g *Generator) Next() string {
	return fmt.Sprintf("%s-seg-%d", g.session, g.counter.Add(1))
}

// Issued returns how many IDs have been handed out.
func (g *Generator) Issued() uint64 {
	return g.counter.Load()
}

// Session returns the session prefix.
func (g *Generator) Session() string {
	return g.session
}
