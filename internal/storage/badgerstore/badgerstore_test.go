package badgerstore

import (
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(DefaultConfig(t.TempDir()))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetMessagesOrdered(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		env := &envelope.Envelope{ID: string(rune('a' + i)), To: "bob", Ts: base + int64(i)}
		if err := s.SaveMessage(env); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	msgs, err := s.GetMessages("bob", 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "a" || msgs[2].ID != "c" {
		t.Fatalf("expected timestamp-ordered messages, got %+v", msgs)
	}
}

func TestGetMessagesLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		s.SaveMessage(&envelope.Envelope{ID: string(rune('a' + i)), To: "bob", Ts: base + int64(i)})
	}
	msgs, _ := s.GetMessages("bob", 2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestUpdateMessageStatusPersists(t *testing.T) {
	s := newTestStore(t)
	s.SaveMessage(&envelope.Envelope{ID: "x", To: "bob", Ts: time.Now().UnixMilli()})
	s.UpdateMessageStatus("x", "delivered")
	status, ok := s.Status("x")
	if !ok || status != "delivered" {
		t.Fatalf("expected delivered status, got %q ok=%v", status, ok)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(DefaultConfig(t.TempDir()))
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
