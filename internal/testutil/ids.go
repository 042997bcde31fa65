package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable plan identities: "<prefix>-0001",
// "<prefix>-0002", ...
//
// This keeps golden snapshots of plans byte-identical across runs.
//
// Thread-safety: Safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix becomes "plan".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "plan"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next identity.
func (g *SequentialIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
