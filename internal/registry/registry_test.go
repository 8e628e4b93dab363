package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

func TestConnectDisconnectOnline(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{SnapshotDir: dir, StateWriteInterval: time.Hour})
	defer r.Stop()

	r.Connect(envelope.AgentRecord{Name: "Claude-1", EntityType: "agent"})

	if !r.IsOnline("claude-1") {
		t.Fatalf("expected claude-1 to be online (case-insensitive)")
	}

	rec, ok := r.Lookup("CLAUDE-1")
	if !ok || rec.Name != "Claude-1" {
		t.Fatalf("expected case-insensitive lookup to find display-cased record, got %+v ok=%v", rec, ok)
	}

	r.Disconnect("claude-1")
	if r.IsOnline("claude-1") {
		t.Fatalf("expected claude-1 to be offline after disconnect")
	}
}

func TestOnlineRequiresFreshness(t *testing.T) {
	r := New(Options{})
	r.Connect(envelope.AgentRecord{Name: "stale-agent"})

	r.mu.Lock()
	r.agents["stale-agent"].LastSeen = time.Now().Add(-time.Minute).UnixMilli()
	r.mu.Unlock()

	if r.IsOnline("stale-agent") {
		t.Fatalf("expected stale-agent to be considered offline past the 30s window")
	}
}

func TestChannelMembership(t *testing.T) {
	r := New(Options{})
	r.Connect(envelope.AgentRecord{Name: "alice"})
	r.Connect(envelope.AgentRecord{Name: "bob"})

	r.JoinChannel("#general", "alice")
	r.JoinChannel("#general", "bob")
	r.LeaveChannel("#general", "bob")

	members := r.ChannelMembers("#general")
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("expected only alice in #general, got %v", members)
	}
}

func TestProcessingFlag(t *testing.T) {
	r := New(Options{})
	r.Connect(envelope.AgentRecord{Name: "worker"})

	if r.IsProcessing("worker") {
		t.Fatalf("expected not processing initially")
	}
	r.SetProcessing("worker", true)
	if !r.IsProcessing("WORKER") {
		t.Fatalf("expected processing flag to be case-insensitive")
	}
	r.SetProcessing("worker", false)
	if r.IsProcessing("worker") {
		t.Fatalf("expected processing cleared")
	}
}

func TestSnapshotsWrittenAtomically(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{SnapshotDir: dir, StateWriteInterval: time.Hour})
	r.Connect(envelope.AgentRecord{Name: "agent-a"})
	defer r.Stop()

	for _, name := range []string{"agents.json", "connected-agents.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected snapshot %s to exist: %v", name, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == "" && e.Name()[0] == '.' {
			t.Fatalf("leftover temp snapshot file: %s", e.Name())
		}
	}
}

func TestRemoveAgent(t *testing.T) {
	r := New(Options{})
	r.Connect(envelope.AgentRecord{Name: "gone-soon"})
	r.JoinChannel("#x", "gone-soon")

	r.Remove("gone-soon")

	if _, ok := r.Lookup("gone-soon"); ok {
		t.Fatalf("expected record to be gone")
	}
	if members := r.ChannelMembers("#x"); len(members) != 0 {
		t.Fatalf("expected channel membership cleared, got %v", members)
	}
}
