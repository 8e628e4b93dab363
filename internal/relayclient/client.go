// Package relayclient is the typed client library used by both PTY
// workers and internal tools (spec.md §4.7). It owns handshake,
// reconnect-with-backoff, request/response correlation, and dedupe of
// inbound DELIVERs. Grounded on ws/internal/single/messaging/message.go's
// SequenceGenerator/WrapMessage idiom for envelope construction and on
// ws/main.go's signal-driven lifecycle for connect/reconnect framing.
package relayclient

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/ids"
	"github.com/agent-relay/relay/internal/wire"
)

// State is the client connection lifecycle (spec.md §4.7).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "DISCONNECTED"
	}
}

const (
	backoffBase   = 1 * time.Second
	backoffFactor = 2.0
	backoffCap    = 30 * time.Second
	maxReconnects = 10
)

// Options configures a Client.
type Options struct {
	SocketPath  string
	AgentName   string
	EntityType  envelope.EntityType
	CLI         string
	Mode        wire.Mode
	Codec       wire.Codec
	DialTimeout time.Duration
	Logger      zerolog.Logger

	OnMessage func(env *envelope.Envelope)
	OnReady   func()
	OnClose   func()
}

// Client is a reconnecting relay peer.
type Client struct {
	opts Options

	mu          sync.Mutex
	state       State
	nc          net.Conn
	dec         *wire.Decoder
	sessionID   string
	resumeToken string
	destroyed   bool
	reconnectN  int

	writeMu sync.Mutex

	dedupeMu sync.Mutex
	dedupe   *dedupeRing

	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Envelope // correlationId -> waiter

	readyMu sync.Mutex
	ready   map[string][]chan struct{} // lower(agent name) -> AGENT_READY waiters

	seq *ids.Generator

	stopReadLoop context.CancelFunc
}

// New constructs a Client. Call Connect to establish the first connection.
func New(opts Options) *Client {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Client{
		opts:    opts,
		dedupe:  newDedupeRing(2000),
		pending: make(map[string]chan *envelope.Envelope),
		ready:   make(map[string][]chan struct{}),
		seq:     ids.NewGenerator(),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials, performs HELLO, and resolves on WELCOME or returns an
// error on timeout/fatal rejection (spec.md §4.7 "connect()").
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	nc, err := net.DialTimeout("unix", c.opts.SocketPath, c.opts.DialTimeout)
	if err != nil {
		c.scheduleReconnect()
		return fmt.Errorf("relayclient: dial: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.dec = wire.NewDecoder(c.opts.Mode)
	c.state = StateHandshaking
	resumeToken := c.resumeToken
	c.mu.Unlock()

	hello := &envelope.Envelope{V: 1, Type: envelope.TypeHello, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	payload := map[string]any{
		"agent":      c.opts.AgentName,
		"entityType": string(c.opts.EntityType),
		"cli":        c.opts.CLI,
		"capabilities": map[string]any{
			"ack": true, "resume": true, "max_inflight": 256, "supports_topics": true,
		},
	}
	if resumeToken != "" {
		payload["session"] = map[string]any{"resume_token": resumeToken}
	}
	_ = hello.SetPayload(payload)

	if err := c.writeFrame(hello); err != nil {
		_ = nc.Close()
		c.scheduleReconnect()
		return err
	}

	welcome, err := c.readOne(c.opts.DialTimeout)
	if err != nil {
		_ = nc.Close()
		c.scheduleReconnect()
		return err
	}
	if welcome.Type == envelope.TypeError {
		_ = nc.Close()
		var ep struct {
			Code string `json:"code"`
		}
		_ = welcome.DecodePayload(&ep)
		return fmt.Errorf("relayclient: rejected: %s", ep.Code)
	}

	var wp struct {
		SessionID   string `json:"session_id"`
		ResumeToken string `json:"resume_token"`
	}
	_ = welcome.DecodePayload(&wp)

	c.mu.Lock()
	c.sessionID = wp.SessionID
	c.resumeToken = wp.ResumeToken
	c.state = StateReady
	c.reconnectN = 0
	loopCtx, cancel := context.WithCancel(context.Background())
	c.stopReadLoop = cancel
	c.mu.Unlock()

	go c.readLoop(loopCtx)

	if c.opts.OnReady != nil {
		c.opts.OnReady()
	}
	return nil
}

func (c *Client) readOne(timeout time.Duration) (*envelope.Envelope, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		if env, ok, err := c.dec.Next(); err != nil {
			return nil, err
		} else if ok {
			return env, nil
		}
		_ = c.nc.SetReadDeadline(deadline)
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Minute))
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			for {
				env, ok, derr := c.dec.Next()
				if derr != nil || !ok {
					break
				}
				c.handleInbound(env)
			}
		}
		if err != nil {
			c.handleDisconnect()
			return
		}
	}
}

func (c *Client) handleInbound(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypePing:
		pong := &envelope.Envelope{V: 1, Type: envelope.TypePong, ID: env.ID, Ts: time.Now().UnixMilli()}
		_ = c.writeFrame(pong)
		return
	case envelope.TypeDeliver:
		if c.dedupe.seenOrMark(env.ID) {
			return
		}
		ack := &envelope.Envelope{V: 1, Type: envelope.TypeAck, Ts: time.Now().UnixMilli()}
		_ = ack.SetPayload(map[string]any{"id": env.ID})
		_ = c.writeFrame(ack)
	}

	if env.Type == envelope.TypeAgentReady {
		var p struct {
			Name string `json:"name"`
		}
		if env.DecodePayload(&p) == nil {
			c.notifyAgentReady(p.Name)
		}
	}

	if corrID := correlationIDOf(env); corrID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[corrID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(env)
	}
}

func (c *Client) notifyAgentReady(name string) {
	key := strings.ToLower(name)
	c.readyMu.Lock()
	waiters := c.ready[key]
	delete(c.ready, key)
	c.readyMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *Client) waitAgentReady(name string) chan struct{} {
	key := strings.ToLower(name)
	ch := make(chan struct{})
	c.readyMu.Lock()
	c.ready[key] = append(c.ready[key], ch)
	c.readyMu.Unlock()
	return ch
}

func correlationIDOf(env *envelope.Envelope) string {
	if env.PayloadMeta != nil && env.PayloadMeta.Sync != nil && env.PayloadMeta.Sync.CorrelationID != "" {
		return env.PayloadMeta.Sync.CorrelationID
	}
	if env.PayloadMeta != nil && env.PayloadMeta.ReplyTo != "" {
		return env.PayloadMeta.ReplyTo
	}
	var data struct {
		Data map[string]any `json:"data"`
	}
	if env.DecodePayload(&data) == nil {
		if v, ok := data.Data["_correlationId"].(string); ok {
			return v
		}
	}
	return env.ID
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	destroyed := c.destroyed
	c.state = StateDisconnected
	c.mu.Unlock()

	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
	if !destroyed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.reconnectN++
	n := c.reconnectN
	c.state = StateBackoff
	c.mu.Unlock()

	if n > maxReconnects {
		return
	}

	delay := time.Duration(float64(backoffBase) * math.Pow(backoffFactor, float64(n-1)))
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := 0.85 + rand.Float64()*0.30
	delay = time.Duration(float64(delay) * jitter)

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		destroyed := c.destroyed
		c.mu.Unlock()
		if destroyed {
			return
		}
		_ = c.Connect(context.Background())
	})
}

func (c *Client) writeFrame(env *envelope.Envelope) error {
	frame, err := wire.Encode(env, c.opts.Mode, c.opts.Codec)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(frame)
	return err
}

// Destroy sets a terminal flag suppressing future reconnects and closes
// the socket. Idempotent (spec.md §4.7).
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	nc := c.nc
	cancel := c.stopReadLoop
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if nc != nil {
		bye := &envelope.Envelope{V: 1, Type: envelope.TypeBye, Ts: time.Now().UnixMilli()}
		_ = c.writeFrame(bye)
		_ = nc.Close()
	}
}

// SendMessage is fire-and-forget (spec.md §4.7).
func (c *Client) SendMessage(to, body string, kind envelope.SendKind, data map[string]any, thread string) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), To: to}
	_ = env.SetPayload(envelope.SendPayload{Kind: kind, Body: body, Data: data, Thread: thread})
	return c.writeFrame(env)
}

// SendAndWaitOpts configures SendAndWait/Request.
type SendAndWaitOpts struct {
	Kind      envelope.SendKind
	Data      map[string]any
	Thread    string
	TimeoutMs int
}

// SendAndWait fills payload_meta.sync.correlationId and resolves once the
// peer's tracker ACKs the delivery, identified by matching correlationId
// (spec.md §4.7).
func (c *Client) SendAndWait(ctx context.Context, to, body string, opts SendAndWaitOpts) (*envelope.Envelope, error) {
	corrID := uuid.NewString()
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), To: to}
	_ = env.SetPayload(envelope.SendPayload{Kind: opts.Kind, Body: body, Data: opts.Data, Thread: opts.Thread})
	env.PayloadMeta = &envelope.PayloadMeta{Sync: &envelope.SyncMeta{CorrelationID: corrID, TimeoutMs: opts.TimeoutMs, Blocking: true}}

	return c.waitForCorrelation(ctx, env, corrID, opts.TimeoutMs)
}

// Request is distinct from SendAndWait: it waits for a reply *message*
// carrying the same correlationId, not merely an ACK (spec.md §4.7).
func (c *Client) Request(ctx context.Context, to, body string, opts SendAndWaitOpts) (*envelope.Envelope, error) {
	corrID := uuid.NewString()
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), To: to}
	data := opts.Data
	if data == nil {
		data = map[string]any{}
	}
	data["_correlationId"] = corrID
	_ = env.SetPayload(envelope.SendPayload{Kind: opts.Kind, Body: body, Data: data, Thread: opts.Thread})

	return c.waitForCorrelation(ctx, env, corrID, opts.TimeoutMs)
}

func (c *Client) waitForCorrelation(ctx context.Context, env *envelope.Envelope, corrID string, timeoutMs int) (*envelope.Envelope, error) {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	ch := make(chan *envelope.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[corrID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, corrID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil, fmt.Errorf("relayclient: timed out waiting for correlation %s", corrID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond is the reply-side convenience for Request (spec.md §4.7).
func (c *Client) Respond(correlationID, to, body string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	data["_correlationId"] = correlationID
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), To: to}
	env.PayloadMeta = &envelope.PayloadMeta{ReplyTo: correlationID}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: body, Data: data})
	return c.writeFrame(env)
}

// JoinChannel sends CHANNEL_JOIN for topic.
func (c *Client) JoinChannel(channel string) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeChannelJoin, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), Topic: channel}
	return c.writeFrame(env)
}

// LeaveChannel sends CHANNEL_LEAVE for topic.
func (c *Client) LeaveChannel(channel string) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeChannelLeave, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), Topic: channel}
	return c.writeFrame(env)
}

// SendChannelMessage posts body to channel.
func (c *Client) SendChannelMessage(channel, body string, kind envelope.SendKind) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeChannelMessage, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), To: channel}
	_ = env.SetPayload(envelope.SendPayload{Kind: kind, Body: body})
	return c.writeFrame(env)
}

// BindAsShadow registers this client as a shadow observer of primary.
func (c *Client) BindAsShadow(primary string, speakOn []envelope.SpeakOn, receiveIncoming, receiveOutgoing bool) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeShadowBind, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{
		"primary": primary, "speakOn": speakOn,
		"receiveIncoming": receiveIncoming, "receiveOutgoing": receiveOutgoing,
	})
	return c.writeFrame(env)
}

// UnbindAsShadow removes a shadow binding against primary.
func (c *Client) UnbindAsShadow(primary string) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeShadowUnbind, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"primary": primary})
	return c.writeFrame(env)
}

// SendLog emits a LOG envelope (best-effort, never awaited).
func (c *Client) SendLog(level, message string, fields map[string]any) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeLog, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"level": level, "message": message, "fields": fields})
	return c.writeFrame(env)
}

// ListAgents queries the full agent roster.
func (c *Client) ListAgents(ctx context.Context) ([]envelope.AgentRecord, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeListAgents, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	resp, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Agents []envelope.AgentRecord `json:"agents"`
	}
	_ = resp.DecodePayload(&payload)
	return payload.Agents, nil
}

// RemoveAgent asks the daemon to forget name.
func (c *Client) RemoveAgent(ctx context.Context, name string) error {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeRemoveAgent, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"name": name})
	_, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	return err
}

// ListConnectedAgents queries only the currently connected subset of the
// roster.
func (c *Client) ListConnectedAgents(ctx context.Context) ([]envelope.AgentRecord, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeStatusRequest, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	resp, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	if err != nil {
		return nil, err
	}
	var payload struct {
		ConnectedAgents []envelope.AgentRecord `json:"connectedAgents"`
	}
	_ = resp.DecodePayload(&payload)
	return payload.ConnectedAgents, nil
}

// GetInbox returns up to limit of this client's own stored messages,
// oldest first (limit <= 0 means no limit).
func (c *Client) GetInbox(ctx context.Context, limit int) ([]*envelope.Envelope, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeInboxRequest, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"limit": limit})
	resp, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []*envelope.Envelope `json:"messages"`
	}
	_ = resp.DecodePayload(&payload)
	return payload.Messages, nil
}

// GetMessages returns up to limit of agent's stored messages, oldest
// first, for admin tooling that needs another agent's history.
func (c *Client) GetMessages(ctx context.Context, agent string, limit int) ([]*envelope.Envelope, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeMessagesQuery, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"agent": agent, "limit": limit})
	resp, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []*envelope.Envelope `json:"messages"`
	}
	_ = resp.DecodePayload(&payload)
	return payload.Messages, nil
}

// GetHealth returns the daemon's process health snapshot (spec.md §4.7
// "getHealth").
func (c *Client) GetHealth(ctx context.Context) (map[string]any, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeHealth, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	resp, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	_ = resp.DecodePayload(&payload)
	return payload, nil
}

// GetMetrics returns the daemon's live connection/delivery counters
// (spec.md §4.7 "getMetrics").
func (c *Client) GetMetrics(ctx context.Context) (map[string]any, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeMetrics, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	resp, err := c.waitForCorrelation(ctx, env, env.ID, 5000)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	_ = resp.DecodePayload(&payload)
	return payload, nil
}

// Spawn sends SPAWN and awaits SPAWN_RESULT matched by replyTo, optionally
// also waiting for AGENT_READY{name} when waitForReady is set (spec.md §4.7).
func (c *Client) Spawn(ctx context.Context, name, cli, task string, waitForReady bool, timeoutMs int) (*envelope.Envelope, error) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSpawn, ID: uuid.NewString(), Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"name": name, "cli": cli, "task": task})

	result, err := c.waitForCorrelation(ctx, env, env.ID, timeoutMs)
	if err != nil {
		return nil, err
	}
	if !waitForReady {
		return result, nil
	}

	ready := c.waitAgentReady(name)
	select {
	case <-ready:
		return result, nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil, fmt.Errorf("relayclient: timed out waiting for agent-ready %s", name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
