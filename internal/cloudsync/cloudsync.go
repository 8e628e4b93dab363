// Package cloudsync implements the daemon's optional cross-machine
// presence and message-delegation hook (spec.md §4.6, explicitly
// advisory/out-of-core-scope but carried here as a supplemental ambient
// concern). Grounded on
// _examples/adred-codev-ws_poc/go-server/pkg/nats/client.go's
// Client (connection-event handlers, Subscribe/Publish/Request wrappers,
// subject builders), repurposed from token-price fan-out to agent
// presence broadcast and cross-daemon SEND delegation.
package cloudsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/envelope"
)

// Config configures a Client.
type Config struct {
	URL             string
	WorkspaceID     string
	DaemonID        string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
	Logger          zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever, matching nats.go's unlimited sentinel
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 500 * time.Millisecond
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 2
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
}

// InboundSendFunc is invoked when another daemon delegates a SEND meant
// for an agent hosted locally.
type InboundSendFunc func(targetAgent, from, body string, meta *envelope.PayloadMeta)

// Client wraps a NATS connection providing the daemon.CloudSync and
// router.CrossMachine surfaces.
type Client struct {
	cfg    Config
	conn   *nats.Conn
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription

	presenceMu   sync.RWMutex
	remoteAgents map[string]remotePresence // strings.ToLower(name) -> presence

	onInboundSend InboundSendFunc
}

type remotePresence struct {
	daemonID   string
	entityType envelope.EntityType
	name       string // original casing, for remote-agents.json/remote-users.json
}

type presenceMessage struct {
	DaemonID string   `json:"daemonId"`
	Agents   []string `json:"agents"`
	Users    []string `json:"users"`
}

type crossMachineSend struct {
	TargetAgent string              `json:"targetAgent"`
	From        string              `json:"from"`
	Body        string              `json:"body"`
	Meta        *envelope.PayloadMeta `json:"meta,omitempty"`
}

// NewClient connects to NATS and subscribes to the workspace's presence
// and cross-daemon send subjects. onInboundSend may be nil if this
// daemon never expects delegated sends.
func NewClient(cfg Config, onInboundSend InboundSendFunc) (*Client, error) {
	cfg.setDefaults()

	c := &Client{
		cfg:           cfg,
		logger:        cfg.Logger,
		remoteAgents:  make(map[string]remotePresence),
		onInboundSend: onInboundSend,
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(c.connectHandler),
		nats.DisconnectErrHandler(c.disconnectHandler),
		nats.ReconnectHandler(c.reconnectHandler),
		nats.ErrorHandler(c.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudsync: connect: %w", err)
	}
	c.conn = conn

	if err := c.subscribePresence(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.subscribeSend(); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) connectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("cloudsync connected")
}

func (c *Client) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Msg("cloudsync disconnected with error")
		return
	}
	c.logger.Info().Msg("cloudsync disconnected")
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("cloudsync reconnected")
}

func (c *Client) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	c.logger.Warn().Err(err).Msg("cloudsync nats error")
}

func presenceSubject(workspaceID string) string {
	return fmt.Sprintf("relay.%s.presence", workspaceID)
}

func sendSubject(workspaceID, daemonID string) string {
	return fmt.Sprintf("relay.%s.daemon.%s.send", workspaceID, daemonID)
}

func (c *Client) subscribePresence() error {
	sub, err := c.conn.Subscribe(presenceSubject(c.cfg.WorkspaceID), func(msg *nats.Msg) {
		var pm presenceMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			return
		}
		if pm.DaemonID == c.cfg.DaemonID {
			return // our own broadcast, looped back
		}
		c.presenceMu.Lock()
		for agent, p := range c.remoteAgents {
			if p.daemonID == pm.DaemonID {
				delete(c.remoteAgents, agent)
			}
		}
		for _, agent := range pm.Agents {
			c.remoteAgents[strings.ToLower(agent)] = remotePresence{daemonID: pm.DaemonID, entityType: envelope.EntityAgent, name: agent}
		}
		for _, user := range pm.Users {
			c.remoteAgents[strings.ToLower(user)] = remotePresence{daemonID: pm.DaemonID, entityType: envelope.EntityUser, name: user}
		}
		c.presenceMu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("cloudsync: subscribe presence: %w", err)
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return nil
}

func (c *Client) subscribeSend() error {
	sub, err := c.conn.Subscribe(sendSubject(c.cfg.WorkspaceID, c.cfg.DaemonID), func(msg *nats.Msg) {
		var cs crossMachineSend
		if err := json.Unmarshal(msg.Data, &cs); err != nil {
			return
		}
		if c.onInboundSend != nil {
			c.onInboundSend(cs.TargetAgent, cs.From, cs.Body, cs.Meta)
		}
	})
	if err != nil {
		return fmt.Errorf("cloudsync: subscribe send: %w", err)
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return nil
}

// UpdateAgents publishes the local agent presence list, implementing
// daemon.CloudSync.
func (c *Client) UpdateAgents(agents []envelope.AgentRecord) {
	var names, users []string
	for _, a := range agents {
		if a.EntityType == envelope.EntityUser {
			users = append(users, a.Name)
		} else {
			names = append(names, a.Name)
		}
	}
	pm := presenceMessage{DaemonID: c.cfg.DaemonID, Agents: names, Users: users}
	data, err := json.Marshal(pm)
	if err != nil {
		return
	}
	if err := c.conn.Publish(presenceSubject(c.cfg.WorkspaceID), data); err != nil {
		c.logger.Warn().Err(err).Msg("cloudsync presence publish failed")
	}
}

// Lookup reports the remote daemon hosting agent, if presence has been
// observed for it, implementing router.CrossMachine.
func (c *Client) Lookup(agent string) (string, bool) {
	c.presenceMu.RLock()
	defer c.presenceMu.RUnlock()
	p, ok := c.remoteAgents[strings.ToLower(agent)]
	return p.daemonID, ok
}

// RemoteAgents reports every currently-known remote agent/user name,
// split by entity type, for the daemon's remote-agents.json/
// remote-users.json snapshot writers (spec.md §6).
func (c *Client) RemoteAgents() (agents, users []string) {
	c.presenceMu.RLock()
	defer c.presenceMu.RUnlock()
	for _, p := range c.remoteAgents {
		if p.entityType == envelope.EntityUser {
			users = append(users, p.name)
		} else {
			agents = append(agents, p.name)
		}
	}
	return agents, users
}

// Send delegates a SEND to the daemon hosting targetAgent, implementing
// router.CrossMachine.
func (c *Client) Send(targetDaemonID, targetAgent, from, body string, meta *envelope.PayloadMeta) error {
	cs := crossMachineSend{TargetAgent: targetAgent, From: from, Body: body, Meta: meta}
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return c.conn.Publish(sendSubject(c.cfg.WorkspaceID, targetDaemonID), data)
}

// Close unsubscribes and closes the NATS connection, implementing
// daemon.CloudSync.
func (c *Client) Close() error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
