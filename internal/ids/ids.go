// Package ids mints envelope identifiers and session resume tokens.
//
// Envelope ids need to be "monotonic-ish" (spec.md §3): stable for the
// life of the envelope and ordered well enough for logs and dedupe caches
// to reason about recency. We extend the teacher's per-connection
// SequenceGenerator (ws/internal/single/messaging/message.go) with a
// process-start timestamp prefix so ids stay distinguishable across
// daemon restarts without needing a central allocator.
package ids

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces monotonic-ish envelope ids.
type Generator struct {
	epochMs int64
	counter int64
}

// NewGenerator returns a Generator seeded from the current wall clock.
func NewGenerator() *Generator {
	return &Generator{epochMs: time.Now().UnixMilli()}
}

// Next returns the next id, formatted "<epochMs>-<seq>".
func (g *Generator) Next() string {
	seq := atomic.AddInt64(&g.counter, 1)
	return fmt.Sprintf("%d-%d", g.epochMs, seq)
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewResumeToken returns a fresh, unguessable resume token.
func NewResumeToken() string {
	return uuid.NewString()
}
