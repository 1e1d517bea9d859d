package testutil

import (
	"fmt"
	"sync"
)

// DefaultIDPrefix is the prefix SequenceIDGenerator uses when none is given.
const DefaultIDPrefix = "rec"

// SequenceIDGenerator produces record IDs from a numbered sequence:
// "rec-0001", "rec-0002", and so on.
//
// Unlike record.FixedGenerator it never runs out, which suits scenario
// runs where the number of created records is not known up front. The
// sequence restarts from 0001 after Reset, so the same scenario yields
// the same IDs on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDGenerator creates a generator with the given prefix.
//
// An empty prefix falls back to DefaultIDPrefix.
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// Generate returns the next ID in the sequence.
//
// Thread-safe: uses mutex to protect the counter.
func (g *SequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Count returns how many IDs have been generated so far.
func (g *SequenceIDGenerator) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// Reset restarts the sequence. The next Generate call returns
// "<prefix>-0001" again.
func (g *SequenceIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
