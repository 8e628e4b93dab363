package daemon

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/conn"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/ids"
)

// daemonHandler implements conn.Handler, bridging a single connection's
// lifecycle events into the registry/router/tracker.
type daemonHandler struct {
	d *Daemon
}

func (h *daemonHandler) HandleHello(c *conn.Connection, hello conn.HelloPayload) (conn.WelcomePayload, string, string, bool) {
	d := h.d

	d.connsMu.Lock()
	for _, other := range d.conns {
		if other.ID() != c.ID() && strings.EqualFold(other.AgentName, hello.Agent) && other.State() == conn.StateActive {
			d.connsMu.Unlock()
			return conn.WelcomePayload{}, "DUPLICATE_CONNECTION", "agent name already connected", false
		}
	}
	d.connsMu.Unlock()

	var session envelope.Session
	isResume := false
	if hello.Session != nil && hello.Session.ResumeToken != "" {
		d.sessionsMu.Lock()
		existing, ok := d.sessions[hello.Session.ResumeToken]
		d.sessionsMu.Unlock()
		if !ok || !strings.EqualFold(existing.AgentName, hello.Agent) {
			return conn.WelcomePayload{}, "RESUME_TOO_OLD", "resume token not recognized for this agent", false
		}
		session = existing
		isResume = true
	} else {
		session = envelope.Session{
			ID:          ids.NewSessionID(),
			AgentName:   hello.Agent,
			ResumeToken: ids.NewResumeToken(),
			StartedAt:   time.Now().UnixMilli(),
			CLI:         hello.CLI,
		}
	}
	session.LastActivity = time.Now().UnixMilli()
	d.sessionsMu.Lock()
	d.sessions[session.ResumeToken] = session
	d.sessionsMu.Unlock()

	entity := envelope.EntityAgent
	if hello.EntityType == string(envelope.EntityUser) {
		entity = envelope.EntityUser
	}

	d.registry.Connect(envelope.AgentRecord{
		Name:       hello.Agent,
		EntityType: entity,
		CLI:        hello.CLI,
	})
	d.router.Register(hello.Agent, connHandleAdapter{c: c})
	d.notifyCloudSync()

	if !isResume {
		// Single auto-join site (Open Question decision, SPEC_FULL.md §13):
		// every freshly HELLO'd (non-resuming) agent joins #general exactly
		// once, here.
		d.registry.JoinChannel("#general", hello.Agent)
	}

	if isResume {
		d.router.ReplayPending(session.ID, c.ID())
	} else {
		// AGENT_READY is broadcast once the newly connected agent completes
		// its own HELLO/WELCOME, so a peer's Spawn(waitForReady) unblocks
		// (spec.md §4.7).
		d.router.BroadcastAgentReady(hello.Agent)
	}

	return conn.WelcomePayload{
		SessionID:   session.ID,
		ResumeToken: session.ResumeToken,
	}, "", "", true
}

func (h *daemonHandler) HandleEnvelope(c *conn.Connection, env *envelope.Envelope) {
	d := h.d

	if env.ID == "" {
		env.ID = newEnvelopeID()
	}
	if c.Dedupe(env.ID) {
		return // spec.md §3: already handled within the dedupe window
	}
	d.touchSession(c.SessionID)

	switch env.Type {
	case envelope.TypeSend:
		d.router.Route(connHandleAdapter{c: c}, c.AgentName, env)
	case envelope.TypeAck:
		var payload struct {
			ID string `json:"id"`
		}
		if env.DecodePayload(&payload) == nil {
			d.router.HandleAck(c.ID(), payload.ID)
		} else if env.ID != "" {
			d.router.HandleAck(c.ID(), env.ID)
		}
	case envelope.TypeChannelJoin:
		d.registry.JoinChannel(env.Topic, c.AgentName)
	case envelope.TypeChannelLeave:
		d.registry.LeaveChannel(env.Topic, c.AgentName)
	case envelope.TypeChannelMessage:
		d.router.Route(connHandleAdapter{c: c}, c.AgentName, env)
	case envelope.TypeShadowBind:
		var payload struct {
			Primary         string          `json:"primary"`
			SpeakOn         []envelope.SpeakOn `json:"speakOn"`
			ReceiveIncoming bool            `json:"receiveIncoming"`
			ReceiveOutgoing bool            `json:"receiveOutgoing"`
		}
		if env.DecodePayload(&payload) == nil {
			speakOn := make(map[envelope.SpeakOn]bool, len(payload.SpeakOn))
			for _, s := range payload.SpeakOn {
				speakOn[s] = true
			}
			d.router.BindShadow(envelope.ShadowBinding{
				Shadow:          c.AgentName,
				Primary:         payload.Primary,
				SpeakOn:         speakOn,
				ReceiveIncoming: payload.ReceiveIncoming,
				ReceiveOutgoing: payload.ReceiveOutgoing,
			})
		}
	case envelope.TypeShadowUnbind:
		var payload struct {
			Primary string `json:"primary"`
		}
		if env.DecodePayload(&payload) == nil {
			d.router.UnbindShadow(c.AgentName, payload.Primary)
		}
	case envelope.TypeLog:
		// Logs are not routed; they are surfaced only to observability
		// sinks, out of core scope (spec.md §1).
	case envelope.TypeListAgents:
		h.respondListAgents(c, env)
	case envelope.TypeRemoveAgent:
		h.respondRemoveAgent(c, env)
	case envelope.TypeStatusRequest:
		h.respondStatus(c, env)
	case envelope.TypeInboxRequest:
		h.respondInbox(c, env)
	case envelope.TypeMessagesQuery:
		h.respondMessagesQuery(c, env)
	case envelope.TypeHealth:
		h.respondHealth(c, env)
	case envelope.TypeMetrics:
		h.respondMetrics(c, env)
	default:
		d.router.Route(connHandleAdapter{c: c}, c.AgentName, env)
	}
}

func (h *daemonHandler) respondListAgents(c *conn.Connection, env *envelope.Envelope) {
	agents := h.d.registry.List()
	resp := &envelope.Envelope{V: 1, Type: envelope.TypeListAgents, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(map[string]any{"agents": agents})
	c.Send(resp)
}

func (h *daemonHandler) respondRemoveAgent(c *conn.Connection, env *envelope.Envelope) {
	var payload struct {
		Name string `json:"name"`
	}
	if env.DecodePayload(&payload) == nil && payload.Name != "" {
		h.d.registry.Remove(payload.Name)
	}
	resp := &envelope.Envelope{V: 1, Type: envelope.TypeRemoveAgent, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(map[string]any{"ok": true})
	c.Send(resp)
}

func (h *daemonHandler) HandleDisconnect(c *conn.Connection) {
	d := h.d
	if c.AgentName == "" {
		return
	}
	d.router.Unregister(c.AgentName)
	d.router.ClearPendingForConnection(c.ID(), c.SessionID)
	d.registry.Disconnect(c.AgentName)
	d.notifyCloudSync()
}

func (h *daemonHandler) IsProcessing(agentName string) bool {
	return h.d.registry.IsProcessing(agentName)
}

// connHandleAdapter adapts *conn.Connection to router.ConnHandle.
type connHandleAdapter struct {
	c *conn.Connection
}

func (a connHandleAdapter) ID() int64                       { return a.c.ID() }
func (a connHandleAdapter) Send(env *envelope.Envelope) bool { return a.c.Send(env) }
func (a connHandleAdapter) SessionID() string               { return a.c.SessionID }

func newEnvelopeID() string {
	return uuid.NewString()
}
