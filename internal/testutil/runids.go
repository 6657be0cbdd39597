package testutil

import (
	"fmt"
	"sync"
)

// SeqRunIDs generates predictable run ids: "<prefix>-0001", "<prefix>-0002", ...
//
// It replaces UUIDv7 generation in tests so that golden files and audit
// notes are byte-stable across runs.
//
// Thread-safety: safe for concurrent use.
type SeqRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqRunIDs creates a generator. If prefix is empty, "run" is used.
func NewSeqRunIDs(prefix string) *SeqRunIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &SeqRunIDs{prefix: prefix}
}

// Generate returns the next run id.
func (g *SeqRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
