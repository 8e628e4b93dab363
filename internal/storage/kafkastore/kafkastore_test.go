package kafkastore

import (
	"encoding/json"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/agent-relay/relay/internal/envelope"
)

// These tests exercise the in-memory replay index without dialing a
// real broker; Init (which requires live brokers) is exercised only in
// integration environments.

func TestProcessRecordIndexesByRecipient(t *testing.T) {
	s := New(Config{Brokers: []string{"localhost:9092"}, Topic: "relay-messages"})
	env := &envelope.Envelope{ID: "m1", To: "bob", From: "alice"}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	s.processRecord(&kgo.Record{Topic: s.cfg.Topic, Key: []byte("bob"), Value: data})

	msgs, err := s.GetMessages("bob", 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestProcessRecordBadJSONCountsFailure(t *testing.T) {
	s := New(Config{Brokers: []string{"localhost:9092"}, Topic: "relay-messages"})
	s.processRecord(&kgo.Record{Topic: s.cfg.Topic, Key: []byte("bob"), Value: []byte("not json")})
	_, failed := s.Metrics()
	if failed != 1 {
		t.Fatalf("expected 1 failed record, got %d", failed)
	}
}

func TestGetMessagesLimit(t *testing.T) {
	s := New(Config{Brokers: []string{"localhost:9092"}, Topic: "relay-messages"})
	for i := 0; i < 4; i++ {
		env := &envelope.Envelope{ID: string(rune('a' + i)), To: "bob"}
		data, _ := json.Marshal(env)
		s.processRecord(&kgo.Record{Topic: s.cfg.Topic, Key: []byte("bob"), Value: data})
	}
	msgs, _ := s.GetMessages("bob", 2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestUpdateMessageStatusLocal(t *testing.T) {
	s := New(Config{Brokers: []string{"localhost:9092"}, Topic: "relay-messages"})
	s.UpdateMessageStatus("m1", "delivered")
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status["m1"] != "delivered" {
		t.Fatalf("expected status recorded locally")
	}
}
