// Package router implements address resolution and fan-out (spec.md
// §4.5): unicast, broadcast, channel fan-out, shadow duplication,
// store-and-forward, and delegation to an external cross-machine
// handler. Routing operations (Route, DeliverFromRemote and the broadcast
// helpers) are serialized behind one dispatch mutex, and the connection,
// shadow and sequence tables behind a second mutex, per spec.md §5 ("The
// router itself is a shared resource; all router operations MUST be
// serialized").
package router

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/tracker"
)

// ConnHandle is the minimal surface the router needs from a live connection.
type ConnHandle interface {
	ID() int64
	Send(env *envelope.Envelope) bool
	SessionID() string
}

// Storage is the append-only, best-effort persistence hook (spec.md §4.5
// step 5). Errors are logged and never block routing.
type Storage interface {
	SaveMessage(env *envelope.Envelope) error
}

// MembershipStore mirrors the registry's external channel store for
// cross-daemon membership (spec.md §4.3, §4.5 step 2).
type MembershipStore interface {
	List(workspaceID, channel string) ([]string, error)
}

// CrossMachine delegates to an external collaborator for messages
// addressed to agents registered on a different daemon instance
// (spec.md §4.5 step 4, out of scope per spec.md §1).
type CrossMachine interface {
	// Lookup reports the remote daemon id hosting agent, if any.
	Lookup(agent string) (daemonID string, ok bool)
	Send(targetDaemonID, targetAgent, from, body string, meta *envelope.PayloadMeta) error
}

// ControlHandler processes messages addressed to reserved control names
// (`_consensus`, `_router`) instead of ordinary delivery (spec.md §4.5
// "Consensus and control messages").
type ControlHandler interface {
	Handle(env *envelope.Envelope) bool // true if handled
}

var reservedControlNames = map[string]bool{
	"_consensus": true,
	"_router":    true,
}

// Options configures a Router.
type Options struct {
	Registry        *registry.Registry
	Tracker         *tracker.Tracker
	Storage         Storage
	MembershipStore MembershipStore
	CrossMachine    CrossMachine
	Control         ControlHandler
	WorkspaceID     string
	Logger          zerolog.Logger
}

// Router resolves SEND/CHANNEL_MESSAGE envelopes to recipients and
// drives delivery through the tracker.
type Router struct {
	dispatchMu sync.Mutex // serializes whole routing operations
	mu         sync.Mutex // guards conns, shadows and seqCounters
	opts       Options

	conns map[string]ConnHandle // key: lower(agent name) -> live connection
	shadows []envelope.ShadowBinding

	seqCounters map[string]*int64 // key: recipient\x00session -> seq counter
}

// New constructs a Router.
func New(opts Options) *Router {
	return &Router{
		opts:        opts,
		conns:       make(map[string]ConnHandle),
		seqCounters: make(map[string]*int64),
	}
}

func lowerKey(name string) string { return strings.ToLower(name) }

// Register binds agent's live connection into the router, enabling
// unicast and fan-out delivery to it.
func (r *Router) Register(agent string, c ConnHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[lowerKey(agent)] = c
}

// Unregister removes agent's connection binding on disconnect.
func (r *Router) Unregister(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, lowerKey(agent))
}

func (r *Router) connFor(agent string) (ConnHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[lowerKey(agent)]
	return c, ok
}

func (r *Router) connectedNamesExcept(except string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	exceptKey := lowerKey(except)
	out := make([]string, 0, len(r.conns))
	for k := range r.conns {
		if k == exceptKey {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (r *Router) nextSeq(recipient, sessionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recipient + "\x00" + sessionID
	counter, ok := r.seqCounters[key]
	if !ok {
		var z int64
		counter = &z
		r.seqCounters[key] = counter
	}
	return atomic.AddInt64(counter, 1)
}

// BindShadow registers a shadow -> primary observation relation.
func (r *Router) BindShadow(b envelope.ShadowBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadows = append(r.shadows, b)
}

// UnbindShadow removes a shadow -> primary binding.
func (r *Router) UnbindShadow(shadow, primary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.shadows[:0]
	for _, b := range r.shadows {
		if b.Shadow == shadow && b.Primary == primary {
			continue
		}
		out = append(out, b)
	}
	r.shadows = out
}

func (r *Router) shadowsReceivingIncomingFor(recipient string) []envelope.ShadowBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []envelope.ShadowBinding
	for _, b := range r.shadows {
		if strings.EqualFold(b.Primary, recipient) && b.Matches(envelope.SpeakOnAllMessages, true) {
			out = append(out, b)
		}
	}
	return out
}

// Route resolves and dispatches a SEND envelope from senderConn.
func (r *Router) Route(senderConn ConnHandle, senderAgent string, env *envelope.Envelope) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	if reservedControlNames[lowerKey(env.To)] {
		if r.opts.Control != nil && r.opts.Control.Handle(env) {
			return
		}
	}

	if strings.EqualFold(env.To, senderAgent) {
		var payload envelope.SendPayload
		_ = env.DecodePayload(&payload)
		echoSelf, _ := payload.Data["_echoSelf"].(bool)
		if !echoSelf {
			return // spec.md §3 invariant: never route to==from unless explicit echo
		}
	}

	switch {
	case env.To == "*":
		r.routeBroadcast(senderAgent, env)
	case strings.HasPrefix(env.To, "#") || isDMChannel(env.To):
		r.routeChannel(senderAgent, env.To, env)
	default:
		if c, ok := r.connFor(env.To); ok {
			r.deliverTo(env.To, c, senderAgent, env)
			return
		}
		if r.opts.CrossMachine != nil {
			if daemonID, ok := r.opts.CrossMachine.Lookup(env.To); ok {
				var payload envelope.SendPayload
				_ = env.DecodePayload(&payload)
				_ = r.opts.CrossMachine.Send(daemonID, env.To, senderAgent, payload.Body, env.PayloadMeta)
				return
			}
		}
		r.storeAndForward(senderAgent, env)
	}
}

func isDMChannel(to string) bool {
	if !strings.HasPrefix(to, "dm:") {
		return false
	}
	parts := strings.Split(to, ":")
	return len(parts) == 3
}

func (r *Router) routeBroadcast(senderAgent string, env *envelope.Envelope) {
	for _, k := range r.connectedNamesExcept(senderAgent) {
		c, ok := r.connFor(k)
		if !ok {
			continue
		}
		r.deliverTo(k, c, senderAgent, env)
	}
}

func (r *Router) routeChannel(senderAgent, channel string, env *envelope.Envelope) {
	var echoSelf bool
	var payload envelope.SendPayload
	if env.DecodePayload(&payload) == nil {
		echoSelf, _ = payload.Data["_echoSelf"].(bool)
	}

	members := map[string]bool{}
	if r.opts.Registry != nil {
		for _, m := range r.opts.Registry.ChannelMembers(channel) {
			members[m] = true
		}
	}
	if r.opts.MembershipStore != nil {
		if persisted, err := r.opts.MembershipStore.List(r.opts.WorkspaceID, channel); err == nil {
			for _, m := range persisted {
				members[m] = true
			}
		}
	}

	for member := range members {
		if strings.EqualFold(member, senderAgent) && !echoSelf {
			continue
		}
		if c, ok := r.connFor(member); ok {
			r.deliverTo(member, c, senderAgent, env)
		}
	}
}

func (r *Router) storeAndForward(senderAgent string, env *envelope.Envelope) {
	if r.opts.Storage != nil {
		if err := r.opts.Storage.SaveMessage(env); err != nil {
			r.opts.Logger.Warn().Err(err).Str("to", env.To).Msg("store-and-forward save failed")
		}
	}
	strict := env.PayloadMeta != nil && env.PayloadMeta.Strict
	if strict {
		if c, ok := r.connFor(senderAgent); ok {
			errEnv := &envelope.Envelope{V: 1, Type: envelope.TypeError, Ts: time.Now().UnixMilli()}
			_ = errEnv.SetPayload(map[string]any{"code": "UNKNOWN_RECIPIENT", "message": "no such recipient: " + env.To})
			c.Send(errEnv)
		}
	}
}

// deliverTo allocates a seq, constructs the DELIVER envelope, sends it,
// hands it to the tracker, duplicates to matching shadows, and persists
// it (spec.md §4.5 "For each resolved local recipient").
func (r *Router) deliverTo(recipient string, c ConnHandle, sender string, original *envelope.Envelope) {
	seq := r.nextSeq(recipient, c.SessionID())
	deliver := r.buildDeliver(recipient, sender, c.SessionID(), seq, original)

	c.Send(deliver)
	if r.opts.Tracker != nil {
		r.opts.Tracker.Track(c.ID(), deliver, sender, recipient)
	}
	if r.opts.Registry != nil {
		r.opts.Registry.SetProcessing(recipient, true)
	}

	for _, b := range r.shadowsReceivingIncomingFor(recipient) {
		if sc, ok := r.connFor(b.Shadow); ok {
			shadowSeq := r.nextSeq(b.Shadow, sc.SessionID())
			shadowDeliver := r.buildDeliver(b.Shadow, sender, sc.SessionID(), shadowSeq, original)
			shadowDeliver.Delivery.OriginalTo = recipient
			sc.Send(shadowDeliver)
			if r.opts.Tracker != nil {
				r.opts.Tracker.Track(sc.ID(), shadowDeliver, sender, b.Shadow)
			}
		}
	}

	if r.opts.Storage != nil {
		if err := r.opts.Storage.SaveMessage(deliver); err != nil {
			r.opts.Logger.Warn().Err(err).Str("to", recipient).Msg("saveMessage failed")
		}
	}
}

func (r *Router) buildDeliver(recipient, sender, sessionID string, seq int64, original *envelope.Envelope) *envelope.Envelope {
	return &envelope.Envelope{
		V:    1,
		Type: envelope.TypeDeliver,
		ID:   original.ID,
		Ts:   time.Now().UnixMilli(),
		From: sender,
		To:   recipient,
		Delivery: &envelope.Delivery{
			Seq:        seq,
			SessionID:  sessionID,
			OriginalTo: original.To,
		},
		Payload:     original.Payload,
		PayloadMeta: original.PayloadMeta,
	}
}

// HandleAck forwards an ACK to the tracker.
func (r *Router) HandleAck(connID int64, envelopeID string) {
	if r.opts.Tracker != nil {
		r.opts.Tracker.Ack(connID, envelopeID)
	}
}

// SendSyncConfirmation relays a cleared delivery's ACK back to its
// original sender, carrying the same sync correlationId the sender
// filled in on SendAndWait (spec.md §4.7: SendAndWait "resolves ...
// when the peer sends an ACK with matching correlationId"). No-op if
// the sender isn't currently connected.
func (r *Router) SendSyncConfirmation(sender, recipient, correlationID string) {
	if correlationID == "" {
		return
	}
	c, ok := r.connFor(sender)
	if !ok {
		return
	}
	ack := &envelope.Envelope{
		V:           1,
		Type:        envelope.TypeAck,
		ID:          uuid.NewString(),
		Ts:          time.Now().UnixMilli(),
		From:        recipient,
		To:          sender,
		PayloadMeta: &envelope.PayloadMeta{Sync: &envelope.SyncMeta{CorrelationID: correlationID}},
	}
	c.Send(ack)
}

// ReplayPending replays a reconnected session's unacked deliveries in
// original order, before any new traffic flows on the connection.
func (r *Router) ReplayPending(sessionID string, connID int64) {
	if r.opts.Tracker != nil {
		r.opts.Tracker.ReplayPending(sessionID, connID)
	}
}

// ClearPendingForConnection moves a disconnected connection's unacked
// deliveries into the awaiting-resume set.
func (r *Router) ClearPendingForConnection(connID int64, sessionID string) {
	if r.opts.Tracker != nil {
		r.opts.Tracker.ClearPendingForConnection(connID, sessionID)
	}
}

// BroadcastSystemMessage sends a system-originated SEND-shaped envelope
// to every connected agent.
func (r *Router) BroadcastSystemMessage(body string) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, Ts: time.Now().UnixMilli(), From: "_router"}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: body})
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.routeBroadcast("_router", env)
}

// BroadcastAgentReady notifies every other connected agent that name has
// just completed its HELLO/WELCOME handshake (spec.md §4.7, the
// Spawn(waitForReady) signal). It is sent raw, not routed as a SEND, since
// AGENT_READY carries no sender-facing delivery semantics.
func (r *Router) BroadcastAgentReady(name string) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeAgentReady, Ts: time.Now().UnixMilli()}
	_ = env.SetPayload(map[string]any{"name": name})
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	for _, k := range r.connectedNamesExcept(name) {
		if c, ok := r.connFor(k); ok {
			c.Send(env)
		}
	}
}

// DeliverFromRemote hands a message relayed in by another daemon
// (spec.md §4.5 step 4, cloud-sync inbound half) to a locally connected
// agent, or store-and-forwards it if the agent isn't connected right
// now. It never re-consults CrossMachine, since the message already
// crossed machines once.
func (r *Router) DeliverFromRemote(from, to, body string, meta *envelope.PayloadMeta) {
	env := &envelope.Envelope{V: 1, Type: envelope.TypeSend, ID: uuid.NewString(), Ts: time.Now().UnixMilli(), From: from, To: to, PayloadMeta: meta}
	_ = env.SetPayload(envelope.SendPayload{Kind: envelope.KindMessage, Body: body})

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	if c, ok := r.connFor(to); ok {
		r.deliverTo(to, c, from, env)
		return
	}
	r.storeAndForward(from, env)
}

// MarkIdle clears the processing flag for an agent once C8's idle
// detector reports idle (spec.md §4.5 "Processing-state tracking").
func (r *Router) MarkIdle(agent string) {
	if r.opts.Registry != nil {
		r.opts.Registry.SetProcessing(agent, false)
	}
}
