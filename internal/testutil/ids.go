package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable token IDs: "<prefix>-1", "<prefix>-2", ...
//
// Used in place of UUIDv7 token IDs so issued tokens are byte-identical
// across test runs.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. If prefix is empty, "id" is used.
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDs{prefix: prefix}
}

// Next returns the next ID.
func (g *SequenceIDs) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n), nil
}
