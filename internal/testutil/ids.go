package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator returns predetermined ids in order, then falls back to
// "<prefix>-N" once the list is exhausted.
//
// This enables deterministic ids for golden comparisons without having to
// know up front how many ids a scenario consumes.
//
// Thread-safety: FixedIDGenerator is safe for concurrent use via internal mutex.
type FixedIDGenerator struct {
	mu     sync.Mutex
	ids    []string
	idx    int
	prefix string
}

// NewFixedIDGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedIDGenerator("client-1", "client-2")
//	gen.Generate() // "client-1"
//	gen.Generate() // "client-2"
//	gen.Generate() // "id-3"
func NewFixedIDGenerator(ids ...string) *FixedIDGenerator {
	return &FixedIDGenerator{ids: ids, prefix: "id"}
}

// WithPrefix sets the prefix used after the list is exhausted.
func (g *FixedIDGenerator) WithPrefix(prefix string) *FixedIDGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prefix = prefix
	return g
}

// Generate returns the next id.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.idx)
}
