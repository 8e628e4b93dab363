package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []int64  // connIDs sent to, in order
	ids  []string // envelope ids sent, in order
}

func (f *fakeSender) SendTo(connID int64, env *envelope.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, connID)
	f.ids = append(f.ids, env.ID)
	return true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func env(id string) *envelope.Envelope {
	return &envelope.Envelope{V: 1, Type: envelope.TypeDeliver, ID: id}
}

func TestAckStopsRetries(t *testing.T) {
	sender := &fakeSender{}
	tr := New(Options{AckTimeout: 20 * time.Millisecond, MaxAttempts: 5, Sender: sender})

	tr.Track(1, env("m1"), "alice", "bob")
	tr.Ack(1, "m1")

	time.Sleep(60 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no retransmits after ack, got %d", sender.count())
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("expected pending count 0 after ack")
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	sender := &fakeSender{}
	var failed []Entry
	var mu sync.Mutex
	tr := New(Options{
		AckTimeout:  10 * time.Millisecond,
		MaxAttempts: 3,
		DeliveryTTL: time.Hour,
		Sender:      sender,
		OnDeliveryFailed: func(e Entry) {
			mu.Lock()
			failed = append(failed, e)
			mu.Unlock()
		},
	})

	tr.Track(1, env("m2"), "alice", "bob")

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	n := len(failed)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one delivery-failed event, got %d", n)
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("expected entry removed after giving up")
	}
}

func TestAckFromDifferentConnectionIgnored(t *testing.T) {
	sender := &fakeSender{}
	tr := New(Options{AckTimeout: time.Hour, MaxAttempts: 3, Sender: sender})

	tr.Track(1, env("m3"), "alice", "bob")
	tr.Ack(2, "m3") // different connection id: must be ignored

	if tr.PendingCount() != 1 {
		t.Fatalf("expected entry to remain pending after ack from wrong connection")
	}
}

func TestClearAndReplayPreservesOrder(t *testing.T) {
	sender := &fakeSender{}
	tr := New(Options{AckTimeout: time.Hour, MaxAttempts: 3, Sender: sender})

	for i, id := range []string{"m4", "m5", "m6"} {
		e := env(id)
		e.Delivery = &envelope.Delivery{Seq: int64(i + 1), SessionID: "sess-1"}
		tr.Track(1, e, "alice", "bob")
	}

	tr.ClearPendingForConnection(1, "sess-1")
	if tr.PendingCount() != 0 {
		t.Fatalf("expected all entries cleared from pending")
	}

	tr.ReplayPending("sess-1", 42)

	if tr.PendingCount() != 3 {
		t.Fatalf("expected 3 entries re-tracked after replay, got %d", tr.PendingCount())
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 resends, got %d", len(sender.sent))
	}
	for _, connID := range sender.sent {
		if connID != 42 {
			t.Fatalf("expected replay to resend on new connection id 42, got %d", connID)
		}
	}
	for i, want := range []string{"m4", "m5", "m6"} {
		if sender.ids[i] != want {
			t.Fatalf("expected replay in seq order m4,m5,m6, got %v", sender.ids)
		}
	}
}
