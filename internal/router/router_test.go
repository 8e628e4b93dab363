package router

import (
	"sync"
	"testing"

	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/tracker"
)

type fakeConn struct {
	id        int64
	sessionID string
	mu        sync.Mutex
	received  []*envelope.Envelope
}

func (f *fakeConn) ID() int64          { return f.id }
func (f *fakeConn) SessionID() string  { return f.sessionID }
func (f *fakeConn) Send(env *envelope.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env)
	return true
}

func (f *fakeConn) last() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		return nil
	}
	return f.received[len(f.received)-1]
}

func sendEnvelope(to, body string) *envelope.Envelope {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "id-" + to + "-" + body, To: to}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: body})
	return env
}

func newTestRouter() *Router {
	reg := registry.New(registry.Options{})
	tr := tracker.New(tracker.Options{})
	return New(Options{Registry: reg, Tracker: tr})
}

func TestUnicastDelivery(t *testing.T) {
	r := newTestRouter()
	bob := &fakeConn{id: 2, sessionID: "sess-bob"}
	r.Register("bob", bob)

	r.Route(nil, "alice", sendEnvelope("bob", "hi"))

	got := bob.last()
	if got == nil || got.Type != envelope.TypeDeliver {
		t.Fatalf("expected a DELIVER envelope, got %+v", got)
	}
	if got.Delivery == nil || got.Delivery.Seq != 1 {
		t.Fatalf("expected seq 1, got %+v", got.Delivery)
	}
	if got.From != "alice" {
		t.Fatalf("expected from=alice, got %s", got.From)
	}
}

func TestSelfRoutingSuppressedUnlessEcho(t *testing.T) {
	r := newTestRouter()
	alice := &fakeConn{id: 1, sessionID: "s1"}
	r.Register("alice", alice)

	r.Route(nil, "alice", sendEnvelope("alice", "talking to self"))
	if alice.last() != nil {
		t.Fatalf("expected no self-delivery without _echoSelf")
	}

	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "echo-1", To: "alice"}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: "echo", Data: map[string]any{"_echoSelf": true}})
	r.Route(nil, "alice", env)
	if alice.last() == nil {
		t.Fatalf("expected self-delivery with _echoSelf=true")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := newTestRouter()
	alice := &fakeConn{id: 1, sessionID: "s1"}
	bob := &fakeConn{id: 2, sessionID: "s2"}
	r.Register("alice", alice)
	r.Register("bob", bob)

	r.Route(nil, "alice", sendEnvelope("*", "hello all"))

	if alice.last() != nil {
		t.Fatalf("expected sender excluded from broadcast")
	}
	if bob.last() == nil {
		t.Fatalf("expected bob to receive broadcast")
	}
}

func TestUnknownRecipientStrictError(t *testing.T) {
	r := newTestRouter()
	alice := &fakeConn{id: 1, sessionID: "s1"}
	r.Register("alice", alice)

	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "u1", To: "nobody", PayloadMeta: &envelope.PayloadMeta{Strict: true}}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: "?"})
	r.Route(nil, "alice", env)

	got := alice.last()
	if got == nil || got.Type != envelope.TypeError {
		t.Fatalf("expected an ERROR envelope to sender, got %+v", got)
	}
}

func TestShadowDuplication(t *testing.T) {
	r := newTestRouter()
	bob := &fakeConn{id: 2, sessionID: "s2"}
	shadow := &fakeConn{id: 3, sessionID: "s3"}
	r.Register("bob", bob)
	r.Register("shadow-1", shadow)
	r.BindShadow(envelope.ShadowBinding{Shadow: "shadow-1", Primary: "bob", ReceiveIncoming: true})

	r.Route(nil, "alice", sendEnvelope("bob", "hi"))

	if bob.last() == nil {
		t.Fatalf("expected bob to receive delivery")
	}
	if shadow.last() == nil {
		t.Fatalf("expected shadow to receive duplicated delivery")
	}
	if shadow.last().Delivery.OriginalTo != "bob" {
		t.Fatalf("expected shadow delivery to preserve originalTo=bob")
	}
}

func TestAckClearsTrackerEntry(t *testing.T) {
	reg := registry.New(registry.Options{})
	tr := tracker.New(tracker.Options{})
	r := New(Options{Registry: reg, Tracker: tr})
	bob := &fakeConn{id: 2, sessionID: "s2"}
	r.Register("bob", bob)

	r.Route(nil, "alice", sendEnvelope("bob", "hi"))
	if tr.PendingCount() != 1 {
		t.Fatalf("expected one pending delivery")
	}

	deliverID := bob.last().ID
	r.HandleAck(2, deliverID)
	if tr.PendingCount() != 0 {
		t.Fatalf("expected ack to clear pending delivery")
	}
}
