package testutil

import (
	"fmt"
	"sync"
)

// SequenceTokens generates "<prefix>-1", "<prefix>-2", ... as flush tokens.
// It never runs out, unlike a fixed list.
//
// Thread-safety: SequenceTokens is safe for concurrent use.
type SequenceTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTokens creates a token sequence. An empty prefix uses "flush".
func NewSequenceTokens(prefix string) *SequenceTokens {
	if prefix == "" {
		prefix = "flush"
	}
	return &SequenceTokens{prefix: prefix}
}

// Generate returns the next token.
func (g *SequenceTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// UUIDSequence returns a generator of valid version 7 UUIDs that differ
// only in their last digits, for changeset.WithUUIDGenerator.
func UUIDSequence() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("00000000-0000-7000-8000-%012x", n)
	}
}
