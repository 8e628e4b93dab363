// Package registry holds the daemon's in-memory view of agent identity
// and presence, and mirrors it to snapshot files on disk the way
// ws/internal/shared/connection.go's SubscriptionIndex mirrors its
// copy-on-write subscription map — except here the durable form is not
// an in-process index but three JSON snapshot files, written
// temp-then-rename to rule out torn reads (spec.md §4.3).
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

// MemberStore is the optional external channel-membership mirror
// (spec.md §4.3). The router treats it as advisory and never blocks on it.
type MemberStore interface {
	Upsert(workspaceID, channel, member, action string) error
	List(workspaceID, channel string) ([]string, error)
	ListForMember(workspaceID, member string) ([]string, error)
}

const onlineWindow = 30 * time.Second

// Registry is the case-insensitive name -> agent record map plus channel
// membership and processing-state tracking.
type Registry struct {
	mu sync.RWMutex

	agents    map[string]*envelope.AgentRecord // key: lower(name)
	connected map[string]struct{}              // key: lower(name), currently-connected
	processing map[string]struct{}             // key: lower(name)

	channels map[string]map[string]struct{} // channel -> set of lower(member)

	snapshotDir string
	memberStore MemberStore
	workspaceID string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Registry.
type Options struct {
	SnapshotDir         string
	MemberStore         MemberStore
	WorkspaceID         string
	StateWriteInterval  time.Duration
}

// New constructs a Registry and starts its background snapshot writer.
func New(opts Options) *Registry {
	if opts.StateWriteInterval == 0 {
		opts.StateWriteInterval = 500 * time.Millisecond
	}
	r := &Registry{
		agents:      make(map[string]*envelope.AgentRecord),
		connected:   make(map[string]struct{}),
		processing:  make(map[string]struct{}),
		channels:    make(map[string]map[string]struct{}),
		snapshotDir: opts.SnapshotDir,
		memberStore: opts.MemberStore,
		workspaceID: opts.WorkspaceID,
		stopCh:      make(chan struct{}),
	}
	if r.snapshotDir != "" {
		r.wg.Add(1)
		go r.periodicProcessingSnapshot(opts.StateWriteInterval)
	}
	return r
}

// Stop halts the background snapshot writer.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func key(name string) string { return strings.ToLower(name) }

// Connect registers name as connected, creating or refreshing its record.
func (r *Registry) Connect(rec envelope.AgentRecord) {
	r.mu.Lock()
	rec.LastSeen = time.Now().UnixMilli()
	rec.Online = true
	k := key(rec.Name)
	r.agents[k] = &rec
	r.connected[k] = struct{}{}
	r.mu.Unlock()
	r.writeAgentsSnapshot()
	r.writeConnectedSnapshot()
}

// Disconnect marks name as no longer connected; the record itself is kept
// (for lastSeen/history) but removed from connected-agents.json.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	k := key(name)
	delete(r.connected, k)
	if rec, ok := r.agents[k]; ok {
		rec.Online = false
		rec.LastSeen = time.Now().UnixMilli()
	}
	delete(r.processing, k)
	r.mu.Unlock()
	r.writeAgentsSnapshot()
	r.writeConnectedSnapshot()
}

// Touch refreshes lastSeen for name without changing connectedness.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	if rec, ok := r.agents[key(name)]; ok {
		rec.LastSeen = time.Now().UnixMilli()
	}
	r.mu.Unlock()
}

// Lookup returns the record for name, if any.
func (r *Registry) Lookup(name string) (envelope.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[key(name)]
	if !ok {
		return envelope.AgentRecord{}, false
	}
	return *rec, true
}

// IsOnline reports whether name is connected and fresh (spec.md §4.3).
func (r *Registry) IsOnline(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := key(name)
	if _, ok := r.connected[k]; !ok {
		return false
	}
	rec, ok := r.agents[k]
	if !ok {
		return false
	}
	return time.Since(time.UnixMilli(rec.LastSeen)) <= onlineWindow
}

// List returns every known agent record.
func (r *Registry) List() []envelope.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	return out
}

// ListConnected returns only currently connected agent records.
func (r *Registry) ListConnected() []envelope.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.AgentRecord, 0, len(r.connected))
	for k := range r.connected {
		if rec, ok := r.agents[k]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Remove deletes an agent record entirely (removeAgent RPC, spec.md §4.7).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	k := key(name)
	delete(r.agents, k)
	delete(r.connected, k)
	delete(r.processing, k)
	for _, members := range r.channels {
		delete(members, k)
	}
	r.mu.Unlock()
	r.writeAgentsSnapshot()
	r.writeConnectedSnapshot()
}

// SetProcessing marks name as mid-turn or idle (spec.md §4.5, §4.2 exemption).
func (r *Registry) SetProcessing(name string, processing bool) {
	r.mu.Lock()
	k := key(name)
	if processing {
		r.processing[k] = struct{}{}
	} else {
		delete(r.processing, k)
	}
	r.mu.Unlock()
}

// IsProcessing reports whether name is currently marked processing.
func (r *Registry) IsProcessing(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processing[key(name)]
	return ok
}

// JoinChannel adds member to channel, mirroring to the external store
// advisorily (failures are swallowed, never surfaced to the caller).
func (r *Registry) JoinChannel(channel, member string) {
	r.mu.Lock()
	set, ok := r.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		r.channels[channel] = set
	}
	set[key(member)] = struct{}{}
	r.mu.Unlock()
	if r.memberStore != nil {
		go func() { _ = r.memberStore.Upsert(r.workspaceID, channel, member, "join") }()
	}
}

// LeaveChannel removes member from channel.
func (r *Registry) LeaveChannel(channel, member string) {
	r.mu.Lock()
	if set, ok := r.channels[channel]; ok {
		delete(set, key(member))
	}
	r.mu.Unlock()
	if r.memberStore != nil {
		go func() { _ = r.memberStore.Upsert(r.workspaceID, channel, member, "leave") }()
	}
}

// ChannelMembers returns the local, currently known members of channel.
func (r *Registry) ChannelMembers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.channels[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		if rec, ok := r.agents[k]; ok {
			out = append(out, rec.Name)
		} else {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) periodicProcessingSnapshot(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.writeProcessingSnapshot()
		}
	}
}

// agentsSnapshot mirrors spec.md §6's agents.json shape: {agents: [...]}.
type agentsSnapshot struct {
	Agents []envelope.AgentRecord `json:"agents"`
}

// connectedSnapshot mirrors spec.md §6's connected-agents.json shape:
// {agents: [name], users: [name], updatedAt}.
type connectedSnapshot struct {
	Agents    []string `json:"agents"`
	Users     []string `json:"users"`
	UpdatedAt int64    `json:"updatedAt"`
}

// processingSnapshot mirrors spec.md §6's processing-state.json shape:
// {processingAgents: [name], updatedAt}.
type processingSnapshot struct {
	ProcessingAgents []string `json:"processingAgents"`
	UpdatedAt        int64    `json:"updatedAt"`
}

func (r *Registry) writeAgentsSnapshot() {
	if r.snapshotDir == "" {
		return
	}
	r.mu.RLock()
	out := make([]envelope.AgentRecord, 0, len(r.agents))
	for _, v := range r.agents {
		out = append(out, *v)
	}
	r.mu.RUnlock()
	writeSnapshotAtomic(filepath.Join(r.snapshotDir, "agents.json"), agentsSnapshot{Agents: out})
}

func (r *Registry) writeConnectedSnapshot() {
	if r.snapshotDir == "" {
		return
	}
	r.mu.RLock()
	agents := make([]string, 0, len(r.connected))
	users := make([]string, 0, len(r.connected))
	for k := range r.connected {
		rec, ok := r.agents[k]
		if !ok {
			continue
		}
		if rec.EntityType == envelope.EntityUser {
			users = append(users, rec.Name)
		} else {
			agents = append(agents, rec.Name)
		}
	}
	r.mu.RUnlock()
	writeSnapshotAtomic(filepath.Join(r.snapshotDir, "connected-agents.json"), connectedSnapshot{
		Agents: agents, Users: users, UpdatedAt: time.Now().UnixMilli(),
	})
}

func (r *Registry) writeProcessingSnapshot() {
	if r.snapshotDir == "" {
		return
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.processing))
	for k := range r.processing {
		if rec, ok := r.agents[k]; ok {
			names = append(names, rec.Name)
		}
	}
	r.mu.RUnlock()
	writeSnapshotAtomic(filepath.Join(r.snapshotDir, "processing-state.json"), processingSnapshot{
		ProcessingAgents: names, UpdatedAt: time.Now().UnixMilli(),
	})
}

// writeSnapshotAtomic marshals v and writes it to path via a temp file in
// the same directory followed by rename, so readers never observe a
// partially written snapshot.
func writeSnapshotAtomic(path string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	_ = os.Rename(tmpName, path)
}
