// Package envelope defines the wire-level message types exchanged between
// relay clients and the daemon.
package envelope

import "encoding/json"

// Type tags the kind of envelope being carried.
type Type string

const (
	TypeHello     Type = "HELLO"
	TypeWelcome   Type = "WELCOME"
	TypeSend      Type = "SEND"
	TypeDeliver   Type = "DELIVER"
	TypeAck       Type = "ACK"
	TypePing      Type = "PING"
	TypePong      Type = "PONG"
	TypeBye       Type = "BYE"
	TypeSubscribe   Type = "SUBSCRIBE"
	TypeUnsubscribe Type = "UNSUBSCRIBE"
	TypeChannelJoin    Type = "CHANNEL_JOIN"
	TypeChannelLeave   Type = "CHANNEL_LEAVE"
	TypeChannelMessage Type = "CHANNEL_MESSAGE"
	TypeShadowBind   Type = "SHADOW_BIND"
	TypeShadowUnbind Type = "SHADOW_UNBIND"
	TypeLog          Type = "LOG"
	TypeSpawn        Type = "SPAWN"
	TypeSpawnResult  Type = "SPAWN_RESULT"
	TypeRelease       Type = "RELEASE"
	TypeReleaseResult Type = "RELEASE_RESULT"
	TypeAgentReady    Type = "AGENT_READY"
	TypeError Type = "ERROR"
	TypeBusy  Type = "BUSY"

	TypeStatusRequest  Type = "STATUS"
	TypeInboxRequest   Type = "INBOX"
	TypeMessagesQuery  Type = "MESSAGES_QUERY"
	TypeListAgents     Type = "LIST_AGENTS"
	TypeHealth         Type = "HEALTH"
	TypeMetrics        Type = "METRICS"
	TypeRemoveAgent    Type = "REMOVE_AGENT"
)

// EntityType distinguishes AI-CLI workers from human users.
type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityUser  EntityType = "user"
)

// SendKind classifies the body of a SendPayload.
type SendKind string

const (
	KindMessage  SendKind = "message"
	KindAction   SendKind = "action"
	KindState    SendKind = "state"
	KindThinking SendKind = "thinking"
)

// SendPayload is the payload of a SEND/DELIVER/CHANNEL_MESSAGE envelope.
type SendPayload struct {
	Kind   SendKind        `json:"kind"`
	Body   string          `json:"body"`
	Data   map[string]any  `json:"data,omitempty"`
	Thread string          `json:"thread,omitempty"`
}

// SyncMeta describes a request expecting a synchronous reply.
type SyncMeta struct {
	CorrelationID string `json:"correlationId"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
	Blocking      bool   `json:"blocking,omitempty"`
}

// PayloadMeta carries cross-cutting envelope metadata.
type PayloadMeta struct {
	Sync       *SyncMeta `json:"sync,omitempty"`
	ReplyTo    string    `json:"replyTo,omitempty"`
	Importance string    `json:"importance,omitempty"`
	Strict     bool      `json:"strict,omitempty"`
}

// Delivery carries DELIVER-only routing metadata.
type Delivery struct {
	Seq        int64  `json:"seq"`
	SessionID  string `json:"session_id"`
	OriginalTo string `json:"originalTo"`
}

// Envelope is the unit of wire traffic (spec.md §3).
type Envelope struct {
	V           int             `json:"v"`
	Type        Type            `json:"type"`
	ID          string          `json:"id"`
	Ts          int64           `json:"ts"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadMeta *PayloadMeta    `json:"payload_meta,omitempty"`
	Delivery    *Delivery       `json:"delivery,omitempty"`
}

// DecodePayload unmarshals the envelope's raw payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// SetPayload marshals v into the envelope's payload field.
func (e *Envelope) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = raw
	return nil
}

// Session is the relay's view of one logical agent run (spec.md §3).
type Session struct {
	ID           string `json:"id"`
	AgentName    string `json:"agentName"`
	ResumeToken  string `json:"resumeToken"`
	StartedAt    int64  `json:"startedAt"`
	LastActivity int64  `json:"lastActivity"`
	ClosedBy     string `json:"closedBy,omitempty"`
	CLI          string `json:"cli,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
}

// AgentRecord is a registry entry for one named participant.
type AgentRecord struct {
	Name             string     `json:"name"`
	EntityType       EntityType `json:"entityType"`
	CLI              string     `json:"cli,omitempty"`
	Role             string     `json:"role,omitempty"`
	Task             string     `json:"task,omitempty"`
	WorkingDirectory string     `json:"workingDirectory,omitempty"`
	DisplayName      string     `json:"displayName,omitempty"`
	AvatarURL        string     `json:"avatarUrl,omitempty"`
	LastSeen         int64      `json:"lastSeen"`
	Online           bool       `json:"online"`
	JoinedChannels   []string   `json:"joinedChannels,omitempty"`
}

// SpeakOn enumerates the traffic classes a shadow binding may duplicate.
type SpeakOn string

const (
	SpeakOnAllMessages   SpeakOn = "ALL_MESSAGES"
	SpeakOnCodeWritten   SpeakOn = "CODE_WRITTEN"
	SpeakOnReviewRequest SpeakOn = "REVIEW_REQUEST"
	SpeakOnSessionEnd    SpeakOn = "SESSION_END"
	SpeakOnExplicitAsk   SpeakOn = "EXPLICIT_ASK"
)

// ShadowBinding is a directed shadow -> primary observation relation.
type ShadowBinding struct {
	Shadow          string
	Primary         string
	SpeakOn         map[SpeakOn]bool
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

// Matches reports whether this binding should duplicate traffic of the
// given class travelling in the given direction.
func (b ShadowBinding) Matches(class SpeakOn, incoming bool) bool {
	if incoming && !b.ReceiveIncoming {
		return false
	}
	if !incoming && !b.ReceiveOutgoing {
		return false
	}
	if len(b.SpeakOn) == 0 {
		return true
	}
	return b.SpeakOn[class]
}
