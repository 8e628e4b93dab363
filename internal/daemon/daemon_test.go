package daemon

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/wire"
)

// testClient is a minimal raw-socket client used to exercise the daemon
// without going through internal/relayclient.
type testClient struct {
	t   *testing.T
	nc  net.Conn
	dec *wire.Decoder
}

func dialTestClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	var nc net.Conn
	var err error
	for i := 0; i < 20; i++ {
		nc, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, nc: nc, dec: wire.NewDecoder(wire.ModeCurrent)}
}

func (c *testClient) send(env *envelope.Envelope) {
	frame, err := wire.Encode(env, wire.ModeCurrent, wire.CodecJSON)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() *envelope.Envelope {
	c.t.Helper()
	for {
		env, ok, err := c.dec.Next()
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if ok {
			return env
		}
		buf := make([]byte, 4096)
		_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := c.nc.Read(buf)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		c.dec.Feed(buf[:n])
	}
}

func (c *testClient) recvUntil(typ envelope.Type) *envelope.Envelope {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		env := c.recv()
		if env.Type == typ {
			return env
		}
	}
	c.t.Fatalf("did not observe envelope of type %s", typ)
	return nil
}

func (c *testClient) hello(agent string) *conn_WelcomeLike {
	helloEnv := &envelope.Envelope{V: 1, Type: envelope.TypeHello, ID: "hello-" + agent, Ts: time.Now().UnixMilli()}
	_ = helloEnv.SetPayload(map[string]any{
		"agent":      agent,
		"entityType": "agent",
		"capabilities": map[string]any{"ack": true, "resume": true},
	})
	c.send(helloEnv)
	w := c.recvUntil(envelope.TypeWelcome)
	var payload struct {
		SessionID   string `json:"session_id"`
		ResumeToken string `json:"resume_token"`
	}
	_ = w.DecodePayload(&payload)
	return &conn_WelcomeLike{SessionID: payload.SessionID, ResumeToken: payload.ResumeToken}
}

type conn_WelcomeLike struct {
	SessionID   string
	ResumeToken string
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "relay.sock")
	d := New(Options{
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
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func TestHelloWelcomeHandshake(t *testing.T) {
	d := newTestDaemon(t)
	c := dialTestClient(t, d.opts.SocketPath)
	welcome := c.hello("alice")
	if welcome.SessionID == "" || welcome.ResumeToken == "" {
		t.Fatalf("expected non-empty session/resume token, got %+v", welcome)
	}
}

func TestDuplicateConnectionRejected(t *testing.T) {
	d := newTestDaemon(t)
	c1 := dialTestClient(t, d.opts.SocketPath)
	c1.hello("bob")

	c2 := dialTestClient(t, d.opts.SocketPath)
	helloEnv := &envelope.Envelope{V: 1, Type: envelope.TypeHello, ID: "h2", Ts: time.Now().UnixMilli()}
	_ = helloEnv.SetPayload(map[string]any{"agent": "bob", "entityType": "agent"})
	c2.send(helloEnv)
	errEnv := c2.recvUntil(envelope.TypeError)

	var payload struct {
		Code string `json:"code"`
	}
	_ = errEnv.DecodePayload(&payload)
	if payload.Code != "DUPLICATE_CONNECTION" {
		t.Fatalf("expected DUPLICATE_CONNECTION, got %s", payload.Code)
	}
}

func TestEndToEndDeliveryAndAck(t *testing.T) {
	d := newTestDaemon(t)
	alice := dialTestClient(t, d.opts.SocketPath)
	bob := dialTestClient(t, d.opts.SocketPath)
	alice.hello("alice")
	bob.hello("bob")

	sendEnv := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: "s1", Ts: time.Now().UnixMilli(), To: "bob"}
	_ = sendEnv.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: "hello bob"})
	alice.send(sendEnv)

	deliver := bob.recvUntil(envelope.TypeDeliver)
	var payload envelope.SendPayload
	_ = deliver.DecodePayload(&payload)
	if payload.Body != "hello bob" {
		t.Fatalf("expected body 'hello bob', got %q", payload.Body)
	}
	if deliver.Delivery == nil || deliver.Delivery.Seq != 1 {
		t.Fatalf("expected seq 1, got %+v", deliver.Delivery)
	}

	ackEnv := &envelope.Envelope{V: 1, Type: envelope.TypeAck, Ts: time.Now().UnixMilli()}
	_ = ackEnv.SetPayload(map[string]any{"id": deliver.ID})
	bob.send(ackEnv)

	time.Sleep(50 * time.Millisecond)
	if d.tracker.PendingCount() != 0 {
		t.Fatalf("expected tracker to clear after ack")
	}
}

func TestPruneStaleSessionsRemovesOldSessions(t *testing.T) {
	d := newTestDaemon(t)
	c := dialTestClient(t, d.opts.SocketPath)
	welcome := c.hello("alice")

	d.sessionsMu.Lock()
	s := d.sessions[welcome.ResumeToken]
	s.LastActivity = time.Now().Add(-48 * time.Hour).UnixMilli()
	d.sessions[welcome.ResumeToken] = s
	d.sessionsMu.Unlock()

	removed := d.PruneStaleSessions(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 session removed, got %d", removed)
	}
	d.sessionsMu.Lock()
	_, ok := d.sessions[welcome.ResumeToken]
	d.sessionsMu.Unlock()
	if ok {
		t.Fatalf("expected stale session to be gone")
	}
}

func TestTouchSessionRefreshesLastActivity(t *testing.T) {
	d := newTestDaemon(t)
	c := dialTestClient(t, d.opts.SocketPath)
	welcome := c.hello("alice")

	d.sessionsMu.Lock()
	s := d.sessions[welcome.ResumeToken]
	s.LastActivity = 0
	d.sessions[welcome.ResumeToken] = s
	d.sessionsMu.Unlock()

	d.touchSession(s.ID)

	d.sessionsMu.Lock()
	got := d.sessions[welcome.ResumeToken].LastActivity
	d.sessionsMu.Unlock()
	if got == 0 {
		t.Fatalf("expected touchSession to refresh LastActivity")
	}
}

func TestDeliverFromRemoteReachesLocalAgent(t *testing.T) {
	d := newTestDaemon(t)
	bob := dialTestClient(t, d.opts.SocketPath)
	bob.hello("bob")

	d.DeliverFromRemote("alice", "bob", "hello from afar", nil)

	deliver := bob.recvUntil(envelope.TypeDeliver)
	var payload envelope.SendPayload
	_ = deliver.DecodePayload(&payload)
	if payload.Body != "hello from afar" {
		t.Fatalf("expected relayed body, got %q", payload.Body)
	}
}

func TestGracefulShutdownRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "r.sock")
	d := New(Options{
		SocketPath: sock,
		Logger:     zerolog.Nop(),
		WireMode:   wire.ModeCurrent,
		WireCodec:  wire.CodecJSON,
	})
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(sock); err == nil {
		t.Fatalf("expected socket file removed after stop")
	}
}
