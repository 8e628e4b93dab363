// Package tracker implements the at-least-once delivery state machine
// (spec.md §4.4): per-DELIVER ACK timeout, retry with attempt counting,
// TTL-bounded give-up, and per-(sender,recipient) ordering preserved
// across retries. Grounded on the retry/backoff shape of
// ws/internal/single/core/pump_write.go's ticker loop, generalized from
// a single write-retry ticker to one timer per pending delivery.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

// Sender delivers (or redelivers) an envelope to a connection id and
// reports whether the connection is still live.
type Sender interface {
	SendTo(connID int64, env *envelope.Envelope) bool
}

// StatusUpdater persists terminal delivery status (storage.updateMessageStatus).
type StatusUpdater interface {
	UpdateMessageStatus(id string, status string)
}

// Options configures a Tracker.
type Options struct {
	AckTimeout    time.Duration
	MaxAttempts   int
	DeliveryTTL   time.Duration
	Sender        Sender
	Storage       StatusUpdater
	OnDeliveryFailed func(entry Entry)
	OnAck            func(entry Entry)
}

// Entry is one pending (unacked) delivery.
type Entry struct {
	Envelope  *envelope.Envelope
	ConnID    int64
	Sender    string
	Recipient string
	Attempts  int
	FirstSent time.Time
	timer     *time.Timer
}

// Tracker owns all in-flight deliveries awaiting ACK.
type Tracker struct {
	mu   sync.Mutex
	opts Options

	pending map[string]*Entry // key: envelope id

	// per (sender,recipient) FIFO of envelope ids, preserved across retries
	order map[string][]string

	// entries moved here on disconnect, keyed by session id, awaiting resume
	awaitingResume map[string][]*Entry
}

func pairKey(sender, recipient string) string { return sender + "\x00" + recipient }

// New constructs a Tracker.
func New(opts Options) *Tracker {
	if opts.AckTimeout == 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.DeliveryTTL == 0 {
		opts.DeliveryTTL = 60 * time.Second
	}
	return &Tracker{
		opts:           opts,
		pending:        make(map[string]*Entry),
		order:          make(map[string][]string),
		awaitingResume: make(map[string][]*Entry),
	}
}

// Track registers a freshly sent DELIVER for ACK tracking, starting its
// timeout timer. sender/recipient are agent names, used only for the
// per-pair ordering bookkeeping.
func (t *Tracker) Track(connID int64, env *envelope.Envelope, sender, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{
		Envelope:  env,
		ConnID:    connID,
		Sender:    sender,
		Recipient: recipient,
		Attempts:  1,
		FirstSent: time.Now(),
	}
	t.pending[env.ID] = e
	pk := pairKey(sender, recipient)
	t.order[pk] = append(t.order[pk], env.ID)
	e.timer = time.AfterFunc(t.opts.AckTimeout, func() { t.onTimeout(env.ID) })
}

// Ack resolves a pending delivery. ACKs arriving from a connection id
// other than the one the delivery was sent on are ignored (spec.md §4.4:
// the tracker does not reassign deliveries across reconnects).
func (t *Tracker) Ack(connID int64, envelopeID string) {
	t.mu.Lock()
	e, ok := t.pending[envelopeID]
	if !ok || e.ConnID != connID {
		t.mu.Unlock()
		return
	}
	t.removeLocked(e)
	t.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	if t.opts.OnAck != nil {
		t.opts.OnAck(*e)
	}
}

func (t *Tracker) removeLocked(e *Entry) {
	delete(t.pending, e.Envelope.ID)
	pk := pairKey(e.Sender, e.Recipient)
	ids := t.order[pk]
	for i, id := range ids {
		if id == e.Envelope.ID {
			t.order[pk] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.order[pk]) == 0 {
		delete(t.order, pk)
	}
}

func (t *Tracker) onTimeout(envelopeID string) {
	t.mu.Lock()
	e, ok := t.pending[envelopeID]
	if !ok {
		t.mu.Unlock()
		return
	}

	if e.Attempts >= t.opts.MaxAttempts || time.Since(e.FirstSent) >= t.opts.DeliveryTTL {
		t.removeLocked(e)
		t.mu.Unlock()
		if t.opts.Storage != nil {
			t.opts.Storage.UpdateMessageStatus(e.Envelope.ID, "failed")
		}
		if t.opts.OnDeliveryFailed != nil {
			t.opts.OnDeliveryFailed(*e)
		}
		return
	}

	e.Attempts++
	connID := e.ConnID
	env := e.Envelope
	e.timer = time.AfterFunc(t.opts.AckTimeout, func() { t.onTimeout(envelopeID) })
	t.mu.Unlock()

	if t.opts.Sender != nil {
		t.opts.Sender.SendTo(connID, env)
	}
}

// ClearPendingForConnection moves every entry currently addressed to
// connID into the "awaiting reconnect" set scoped to sessionID, stopping
// their timers (spec.md §4.4).
func (t *Tracker) ClearPendingForConnection(connID int64, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var moved []*Entry
	for id, e := range t.pending {
		if e.ConnID != connID {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		moved = append(moved, e)
		delete(t.pending, id)
	}
	// Drop the moved entries from the per-pair order lists; ReplayPending
	// re-tracks them on the new connection.
	for pk, ids := range t.order {
		var kept []string
		for _, id := range ids {
			stillPending := false
			for _, e := range moved {
				if e.Envelope.ID == id {
					stillPending = true
					break
				}
			}
			if !stillPending {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(t.order, pk)
		} else {
			t.order[pk] = kept
		}
	}
	if len(moved) > 0 {
		// t.pending iteration order is unspecified; resume replay must
		// reproduce original seq order (spec.md §5 "Resume replay"), so
		// sort by delivery seq before appending to the awaiting-resume list.
		sort.Slice(moved, func(i, j int) bool {
			return moved[i].Envelope.Delivery.Seq < moved[j].Envelope.Delivery.Seq
		})
		t.awaitingResume[sessionID] = append(t.awaitingResume[sessionID], moved...)
	}
}

// ReplayPending re-delivers every entry awaiting resume for sessionID on
// the new connID, in original seq order, before any new traffic is sent
// on the connection (spec.md §4.4, §5 "Resume replay").
func (t *Tracker) ReplayPending(sessionID string, connID int64) {
	t.mu.Lock()
	entries := t.awaitingResume[sessionID]
	delete(t.awaitingResume, sessionID)
	t.mu.Unlock()

	for _, e := range entries {
		e.ConnID = connID
		e.Attempts = 1
		e.FirstSent = time.Now()
		env := e.Envelope
		id := env.ID

		t.mu.Lock()
		t.pending[id] = e
		pk := pairKey(e.Sender, e.Recipient)
		t.order[pk] = append(t.order[pk], id)
		e.timer = time.AfterFunc(t.opts.AckTimeout, func() { t.onTimeout(id) })
		t.mu.Unlock()

		if t.opts.Sender != nil {
			t.opts.Sender.SendTo(connID, env)
		}
	}
}

// PendingCount returns the number of in-flight (not yet acked, not yet
// awaiting-resume) deliveries. Intended for tests and metrics.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
