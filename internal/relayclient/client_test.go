package relayclient

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/daemon"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/wire"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "relay.sock")
	d := daemon.New(daemon.Options{
		SocketPath:      sock,
		SnapshotDir:     filepath.Join(dir, "state"),
		Logger:          zerolog.Nop(),
		AckTimeout:      200 * time.Millisecond,
		MaxAttempts:     3,
		DeliveryTTL:     time.Second,
		HeartbeatEvery:  time.Hour,
		HelloTimeout:    2 * time.Second,
		DedupeCacheSize: 2000,
		WireMode:        wire.ModeCurrent,
		WireCodec:       wire.CodecJSON,
	})
	if err := d.Start(); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return sock
}

func newClient(t *testing.T, sock, name string) *Client {
	t.Helper()
	c := New(Options{
		SocketPath: sock,
		AgentName:  name,
		EntityType: envelope.EntityAgent,
		Mode:       wire.ModeCurrent,
		Codec:      wire.CodecJSON,
		Logger:     zerolog.Nop(),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(c.Destroy)
	return c
}

func TestConnectReachesReady(t *testing.T) {
	sock := startTestDaemon(t)
	c := newClient(t, sock, "alice")
	if c.State() != StateReady {
		t.Fatalf("expected READY, got %s", c.State())
	}
}

func TestSendMessageDeliversToPeer(t *testing.T) {
	sock := startTestDaemon(t)

	received := make(chan *envelope.Envelope, 1)
	bob := New(Options{
		SocketPath: sock,
		AgentName:  "bob",
		EntityType: envelope.EntityAgent,
		Mode:       wire.ModeCurrent,
		Codec:      wire.CodecJSON,
		Logger:     zerolog.Nop(),
		OnMessage: func(env *envelope.Envelope) {
			if env.Type == envelope.TypeDeliver {
				received <- env
			}
		},
	})
	if err := bob.Connect(context.Background()); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	t.Cleanup(bob.Destroy)

	alice := newClient(t, sock, "alice")
	if err := alice.SendMessage("bob", "hi there", envelope.KindMessage, nil, ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-received:
		var payload envelope.SendPayload
		_ = env.DecodePayload(&payload)
		if payload.Body != "hi there" {
			t.Fatalf("expected body 'hi there', got %q", payload.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRequestRespondRoundTrip(t *testing.T) {
	sock := startTestDaemon(t)

	bob := New(Options{
		SocketPath: sock,
		AgentName:  "bob",
		EntityType: envelope.EntityAgent,
		Mode:       wire.ModeCurrent,
		Codec:      wire.CodecJSON,
		Logger:     zerolog.Nop(),
	})
	bob.opts.OnMessage = func(env *envelope.Envelope) {
		if env.Type != envelope.TypeDeliver {
			return
		}
		var data struct {
			Data map[string]any `json:"data"`
		}
		_ = env.DecodePayload(&data)
		corrID, _ := data.Data["_correlationId"].(string)
		if corrID != "" {
			_ = bob.Respond(corrID, env.From, "pong", nil)
		}
	}
	if err := bob.Connect(context.Background()); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	t.Cleanup(bob.Destroy)

	alice := newClient(t, sock, "alice")
	resp, err := alice.Request(context.Background(), "bob", "ping", SendAndWaitOpts{Kind: envelope.KindMessage, TimeoutMs: 2000})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var payload envelope.SendPayload
	_ = resp.DecodePayload(&payload)
	if payload.Body != "pong" {
		t.Fatalf("expected reply body 'pong', got %q", payload.Body)
	}
}

func TestSendAndWaitResolvesOnAck(t *testing.T) {
	sock := startTestDaemon(t)

	_ = newClient(t, sock, "bob")
	alice := newClient(t, sock, "alice")

	ack, err := alice.SendAndWait(context.Background(), "bob", "hi there", SendAndWaitOpts{Kind: envelope.KindMessage, TimeoutMs: 2000})
	if err != nil {
		t.Fatalf("sendAndWait: %v", err)
	}
	if ack.Type != envelope.TypeAck {
		t.Fatalf("expected ACK confirmation, got %s", ack.Type)
	}
	if ack.From != "bob" {
		t.Fatalf("expected confirmation from bob, got %q", ack.From)
	}
}
