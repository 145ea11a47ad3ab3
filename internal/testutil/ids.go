package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates predictable event ids: prefix-0001,
// prefix-0002, and so on.
//
// Unlike model.FixedGenerator it never runs out, which suits scenarios whose
// event count is not declared up front. Ids sort in generation order, like
// the UUIDv7 ids used in production.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix means "evt".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "evt"
	}
	return &SequenceGenerator{prefix: prefix}
}

// NewID returns the next id. Implements model.IDGenerator.
func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
