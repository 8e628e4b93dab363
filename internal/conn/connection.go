// Package conn owns a single socket: the frame read/write loop, the
// HELLO/WELCOME handshake, heartbeat, write coalescing, and per-connection
// dedupe. Grounded on ws/internal/single/core/handlers_ws.go (accept +
// spin up read/write pumps) and ws/internal/single/core/pump_write.go
// (ticker-driven write loop with closeOnce), generalized from a WebSocket
// client to a raw framed stream peer.
package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/wire"
)

// State is the connection's handshake lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

// Handler receives events from a Connection. Implementations (the
// router) must not block inside these callbacks — per spec.md §5,
// routing decisions must not suspend.
type Handler interface {
	// HandleHello validates a HELLO and returns the WELCOME fields, or a
	// fatal error code/message to reject the connection.
	HandleHello(c *Connection, hello HelloPayload) (welcome WelcomePayload, fatalCode, fatalMsg string, ok bool)
	// HandleEnvelope processes any non-handshake, non-heartbeat envelope.
	HandleEnvelope(c *Connection, env *envelope.Envelope)
	// HandleDisconnect is called once, after the connection is fully closed.
	HandleDisconnect(c *Connection)
	// IsProcessing reports whether the agent is mid-turn, extending the
	// heartbeat deadline by one interval (spec.md §4.2 Exemption).
	IsProcessing(agentName string) bool
}

// HelloPayload mirrors the HELLO envelope payload (spec.md §4.2).
type HelloPayload struct {
	Agent        string         `json:"agent"`
	EntityType   string         `json:"entityType"`
	CLI          string         `json:"cli,omitempty"`
	Capabilities Capabilities   `json:"capabilities"`
	Session      *ResumeRequest `json:"session,omitempty"`
	IsSystem     bool           `json:"_isSystemComponent,omitempty"`
}

// Capabilities is the client-advertised capability set.
type Capabilities struct {
	Ack            bool `json:"ack"`
	Resume         bool `json:"resume"`
	MaxInflight    int  `json:"max_inflight"`
	SupportsTopics bool `json:"supports_topics"`
}

// ResumeRequest carries a client's claimed prior session.
type ResumeRequest struct {
	ResumeToken string `json:"resume_token"`
}

// WelcomePayload mirrors the WELCOME envelope payload.
type WelcomePayload struct {
	SessionID     string   `json:"session_id"`
	ResumeToken   string   `json:"resume_token"`
	SeedSequences []int64  `json:"seed_sequences,omitempty"`
}

// Options configures a Connection.
type Options struct {
	Mode            wire.Mode
	Codec           wire.Codec
	AckTimeout      time.Duration
	HeartbeatEvery  time.Duration
	HelloTimeout    time.Duration
	DedupeCacheSize int
	Logger          zerolog.Logger
}

// Connection owns one socket and its framing, handshake, and heartbeat state.
type Connection struct {
	id     int64
	nc     net.Conn
	opts   Options
	logger zerolog.Logger

	state   atomic.Int32
	dedupe  *dedupeCache
	limiter *rate.Limiter // backpressure: drops LOG envelopes first (spec.md §5)

	AgentName  string
	SessionID  string
	EntityType string

	outbox    chan *envelope.Envelope
	closeOnce sync.Once
	closed    chan struct{}

	missedPongs   int32
	lastTraffic   atomic.Int64 // unix millis
	helloDeadline *time.Timer
}

var connCounter int64

// New wraps nc as a Connection. Call Run to start its loops.
func New(nc net.Conn, opts Options) *Connection {
	if opts.AckTimeout == 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.HeartbeatEvery == 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if opts.HelloTimeout == 0 {
		opts.HelloTimeout = 5 * time.Second
	}
	c := &Connection{
		id:      atomic.AddInt64(&connCounter, 1),
		nc:      nc,
		opts:    opts,
		logger:  opts.Logger,
		dedupe:  newDedupeCache(opts.DedupeCacheSize),
		limiter: rate.NewLimiter(rate.Limit(2000), 4000),
		outbox:  make(chan *envelope.Envelope, 1024),
		closed:  make(chan struct{}),
	}
	c.lastTraffic.Store(time.Now().UnixMilli())
	return c
}

// ID returns a process-unique connection identifier.
func (c *Connection) ID() int64 { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Dedupe reports whether id has already been processed on this
// connection, recording it if not (spec.md §3 dedupe invariant).
func (c *Connection) Dedupe(id string) bool { return c.dedupe.SeenOrMark(id) }

// Send enqueues env for coalesced write, returning whether it was
// accepted. Actual writes happen asynchronously (spec.md §4.2 Outbound
// contract). Under backpressure, LOG envelopes are dropped first
// (spec.md §5).
func (c *Connection) Send(env *envelope.Envelope) bool {
	if c.State() == StateClosed {
		return false
	}
	if env.Type == envelope.TypeLog && !c.limiter.Allow() {
		return false
	}
	select {
	case c.outbox <- env:
		return true
	default:
		if env.Type == envelope.TypeLog {
			return false
		}
		// Non-LOG envelopes get one blocking attempt with a short grace
		// window rather than being silently dropped.
		select {
		case c.outbox <- env:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}
}

// Run drives the handshake, read loop, write loop, and heartbeat until
// the connection closes or ctx is cancelled.
func (c *Connection) Run(ctx context.Context, handler Handler) {
	defer c.close(handler)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.helloDeadline = time.AfterFunc(c.opts.HelloTimeout, func() {
		if c.State() == StateConnecting {
			c.logger.Debug().Int64("conn", c.id).Msg("hello timeout, dropping socket")
			cancel()
		}
	})

	// Cancellation (ctx, hello timeout, read loop exit) closes the socket so
	// a read blocked in nc.Read returns and both loops end.
	go func() {
		<-connCtx.Done()
		_ = c.nc.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop(connCtx, handler)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx)
	}()
	go c.heartbeatLoop(connCtx, handler)

	wg.Wait()
}

func (c *Connection) readLoop(ctx context.Context, handler Handler) {
	dec := wire.NewDecoder(c.opts.Mode)
	chunk := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(2 * time.Minute))
		n, err := c.nc.Read(chunk)
		if n > 0 {
			dec.Feed(chunk[:n])
			c.lastTraffic.Store(time.Now().UnixMilli())
			for {
				env, ok, derr := dec.Next()
				if derr != nil {
					c.sendError("INVALID_FRAME", derr.Error(), true)
					return
				}
				if !ok {
					break
				}
				if !c.dispatch(ctx, handler, env) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, handler Handler, env *envelope.Envelope) bool {
	switch env.Type {
	case envelope.TypeHello:
		return c.handleHello(handler, env)
	case envelope.TypePong:
		atomic.StoreInt32(&c.missedPongs, 0)
		return true
	case envelope.TypePing:
		pong := &envelope.Envelope{V: 1, Type: envelope.TypePong, ID: env.ID, Ts: time.Now().UnixMilli()}
		c.Send(pong)
		return true
	case envelope.TypeBye:
		return false
	default:
		if c.State() != StateActive {
			c.sendError("NOT_ACTIVE", "envelope received before handshake completed", true)
			return false
		}
		handler.HandleEnvelope(c, env)
		return true
	}
}

func (c *Connection) handleHello(handler Handler, env *envelope.Envelope) bool {
	var hello HelloPayload
	if err := env.DecodePayload(&hello); err != nil {
		c.sendError("INVALID_FRAME", "malformed HELLO payload", true)
		return false
	}
	if reservedName(hello.Agent) && !hello.IsSystem {
		c.sendError("UNAUTHORIZED_NAME", "reserved agent name", true)
		return false
	}
	welcome, fatalCode, fatalMsg, ok := handler.HandleHello(c, hello)
	if !ok {
		c.sendError(fatalCode, fatalMsg, true)
		return false
	}
	c.AgentName = hello.Agent
	c.EntityType = hello.EntityType
	c.SessionID = welcome.SessionID
	if c.helloDeadline != nil {
		c.helloDeadline.Stop()
	}
	c.state.Store(int32(StateActive))

	resp := &envelope.Envelope{V: 1, Type: envelope.TypeWelcome, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(welcome)
	c.Send(resp)
	return true
}

func reservedName(name string) bool {
	switch name {
	case "Dashboard", "cli", "system":
		return true
	}
	if len(name) > 0 && name[0] == '_' {
		return true
	}
	return false
}

func (c *Connection) sendError(code, msg string, fatal bool) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeError, Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"code": code, "message": msg, "fatal": fatal})
	c.Send(env)
}

// writeLoop coalesces every envelope enqueued within one drain pass into
// a single Write call (spec.md §4.1 "Write path").
func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-c.outbox:
			if !ok {
				return
			}
			batch := []*envelope.Envelope{first}
		drain:
			for {
				select {
				case env, ok := <-c.outbox:
					if !ok {
						break drain
					}
					batch = append(batch, env)
				default:
					break drain
				}
			}
			if !c.writeBatch(batch) {
				return
			}
		}
	}
}

func (c *Connection) writeBatch(batch []*envelope.Envelope) bool {
	var out []byte
	for _, env := range batch {
		frame, err := wire.Encode(env, c.opts.Mode, c.opts.Codec)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping unencodable envelope")
			continue
		}
		out = append(out, frame...)
	}
	if len(out) == 0 {
		return true
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.nc.Write(out)
	return err == nil
}

func (c *Connection) heartbeatLoop(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(c.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateActive {
				continue
			}
			if time.Since(time.UnixMilli(c.lastTraffic.Load())) < c.opts.HeartbeatEvery {
				continue
			}
			if handler.IsProcessing(c.AgentName) {
				continue // extend deadline by skipping this tick (spec.md §4.2 Exemption)
			}
			missed := atomic.AddInt32(&c.missedPongs, 1)
			if missed >= 2 {
				c.logger.Info().Str("agent", c.AgentName).Msg("missed heartbeats, closing")
				_ = c.nc.Close()
				return
			}
			ping := &envelope.Envelope{V: 1, Type: envelope.TypePing, Ts: time.Now().UnixMilli()}
			c.Send(ping)
		}
	}
}

func (c *Connection) close(handler Handler) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
		_ = c.nc.Close()
		if handler != nil {
			handler.HandleDisconnect(c)
		}
	})
}

// Closed returns a channel closed once the connection has fully shut down.
func (c *Connection) Closed() <-chan struct{} { return c.closed }
