package memstore

import (
	"testing"

	"github.com/agent-relay/relay/internal/envelope"
)

func TestSaveAndGetMessages(t *testing.T) {
	s := New(0)
	for i := 0; i < 3; i++ {
		env := &envelope.Envelope{ID: string(rune('a' + i)), To: "bob"}
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
}

func TestGetMessagesLimitKeepsNewest(t *testing.T) {
	s := New(0)
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		s.SaveMessage(&envelope.Envelope{ID: id, To: "bob"})
	}
	msgs, _ := s.GetMessages("bob", 2)
	if len(msgs) != 2 || msgs[0].ID != "b" || msgs[1].ID != "c" {
		t.Fatalf("unexpected limited messages: %+v", msgs)
	}
}

func TestMaxPerAgentBounds(t *testing.T) {
	s := New(2)
	for i := 0; i < 5; i++ {
		s.SaveMessage(&envelope.Envelope{ID: string(rune('a' + i)), To: "bob"})
	}
	msgs, _ := s.GetMessages("bob", 0)
	if len(msgs) != 2 {
		t.Fatalf("expected ring bounded to 2, got %d", len(msgs))
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	s := New(0)
	s.SaveMessage(&envelope.Envelope{ID: "x", To: "bob"})
	s.UpdateMessageStatus("x", "delivered")
	st, ok := s.Status("x")
	if !ok || st != "delivered" {
		t.Fatalf("expected status delivered, got %q ok=%v", st, ok)
	}
}
