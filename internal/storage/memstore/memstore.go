// Package memstore is the in-memory daemon.Storage implementation used
// for tests and single-process dev runs where persistence across
// restarts is not required (spec.md §6, "storage is an advisory
// best-effort contract").
package memstore

import (
	"sync"

	"github.com/agent-relay/relay/internal/envelope"
)

// Store keeps messages and status in process memory only.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*envelope.Envelope
	statuses map[string]string
	inbox    map[string][]*envelope.Envelope // recipient -> messages, newest last
	maxPerAgent int
}

// New constructs a memstore.Store. maxPerAgent bounds the per-recipient
// inbox ring (0 means unbounded).
func New(maxPerAgent int) *Store {
	return &Store{
		byID:        make(map[string]*envelope.Envelope),
		statuses:    make(map[string]string),
		inbox:       make(map[string][]*envelope.Envelope),
		maxPerAgent: maxPerAgent,
	}
}

// Init is a no-op; memstore needs no on-disk setup.
func (s *Store) Init() error { return nil }

// SaveMessage records env for later retrieval by GetMessages.
func (s *Store) SaveMessage(env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[env.ID] = env
	recipient := env.To
	s.inbox[recipient] = append(s.inbox[recipient], env)
	if s.maxPerAgent > 0 && len(s.inbox[recipient]) > s.maxPerAgent {
		s.inbox[recipient] = s.inbox[recipient][len(s.inbox[recipient])-s.maxPerAgent:]
	}
	return nil
}

// GetMessages returns up to limit of the most recent messages addressed
// to recipient, oldest first.
func (s *Store) GetMessages(recipient string, limit int) ([]*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.inbox[recipient]
	if limit <= 0 || limit >= len(all) {
		out := make([]*envelope.Envelope, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]*envelope.Envelope, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// UpdateMessageStatus records a delivery outcome for envelope id.
func (s *Store) UpdateMessageStatus(id string, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
}

// Status returns the last recorded status for id, for tests.
func (s *Store) Status(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[id]
	return st, ok
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
