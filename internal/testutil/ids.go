package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out predictable ids: "<prefix>0001", "<prefix>0002", ...
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id-".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id-"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s%04d", g.prefix, g.n)
}

// FixedID returns the same id on every call. Useful for forcing conflicts.
type FixedID string

// NewID returns the fixed id.
func (f FixedID) NewID() string { return string(f) }
