package daemon

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/agent-relay/relay/internal/conn"
	"github.com/agent-relay/relay/internal/envelope"
)

// healthSnapshot is the getHealth/​/healthz payload shape (spec.md §4.7,
// SPEC_FULL.md §11 gopsutil wiring): process RSS, CPU and open FD count
// alongside daemon uptime.
type healthSnapshot struct {
	UptimeSeconds float64 `json:"uptimeSeconds"`
	RSSBytes      uint64  `json:"rssBytes"`
	CPUPercent    float64 `json:"cpuPercent"`
	OpenFDs       int32   `json:"openFds"`
}

func (d *Daemon) healthSnapshot() healthSnapshot {
	snap := healthSnapshot{UptimeSeconds: time.Since(d.startedAt).Seconds()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snap
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = pct
	}
	if fds, err := proc.NumFDs(); err == nil {
		snap.OpenFDs = fds
	}
	return snap
}

func (h *daemonHandler) respondHealth(c *conn.Connection, env *envelope.Envelope) {
	resp := &envelope.Envelope{V: 1, Type: envelope.TypeHealth, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(h.d.healthSnapshot())
	c.Send(resp)
}

// metricsSnapshot mirrors the prometheus gauges in internal/metrics, but
// read back as plain numbers for a requesting client that has no scrape
// access to the debug HTTP listener.
type metricsSnapshot struct {
	ConnectionsActive int `json:"connectionsActive"`
	PendingDeliveries int `json:"pendingDeliveries"`
}

func (h *daemonHandler) respondMetrics(c *conn.Connection, env *envelope.Envelope) {
	d := h.d
	d.connsMu.Lock()
	active := len(d.conns)
	d.connsMu.Unlock()

	resp := &envelope.Envelope{V: 1, Type: envelope.TypeMetrics, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(metricsSnapshot{
		ConnectionsActive: active,
		PendingDeliveries: d.tracker.PendingCount(),
	})
	c.Send(resp)
}

// respondStatus answers the relayclient's listConnectedAgents query.
func (h *daemonHandler) respondStatus(c *conn.Connection, env *envelope.Envelope) {
	resp := &envelope.Envelope{V: 1, Type: envelope.TypeStatusRequest, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(map[string]any{"connectedAgents": h.d.registry.ListConnected()})
	c.Send(resp)
}

// respondInbox answers the relayclient's getInbox query: the requesting
// connection's own stored messages, oldest first.
func (h *daemonHandler) respondInbox(c *conn.Connection, env *envelope.Envelope) {
	var payload struct {
		Limit int `json:"limit"`
	}
	_ = env.DecodePayload(&payload)

	var messages []*envelope.Envelope
	if h.d.opts.Storage != nil {
		messages, _ = h.d.opts.Storage.GetMessages(c.AgentName, payload.Limit)
	}

	resp := &envelope.Envelope{V: 1, Type: envelope.TypeInboxRequest, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(map[string]any{"messages": messages})
	c.Send(resp)
}

// respondMessagesQuery answers an arbitrary-agent message-history lookup
// (admin tooling), defaulting to the requester's own inbox when no agent
// is named.
func (h *daemonHandler) respondMessagesQuery(c *conn.Connection, env *envelope.Envelope) {
	var payload struct {
		Agent string `json:"agent"`
		Limit int    `json:"limit"`
	}
	_ = env.DecodePayload(&payload)
	target := payload.Agent
	if target == "" {
		target = c.AgentName
	}

	var messages []*envelope.Envelope
	if h.d.opts.Storage != nil {
		messages, _ = h.d.opts.Storage.GetMessages(target, payload.Limit)
	}

	resp := &envelope.Envelope{V: 1, Type: envelope.TypeMessagesQuery, ID: env.ID, Ts: time.Now().UnixMilli()}
	_ = resp.SetPayload(map[string]any{"messages": messages})
	c.Send(resp)
}
