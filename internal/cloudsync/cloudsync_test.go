package cloudsync

import (
	"strings"
	"testing"

	"github.com/agent-relay/relay/internal/envelope"
)

func TestPresenceSubjectScopedToWorkspace(t *testing.T) {
	got := presenceSubject("ws1")
	want := "relay.ws1.presence"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSendSubjectScopedToDaemon(t *testing.T) {
	got := sendSubject("ws1", "daemon-a")
	want := "relay.ws1.daemon.daemon-a.send"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestLowerMatchesStdlibForASCII(t *testing.T) {
	cases := map[string]string{
		"Bob":   "bob",
		"ALICE": "alice",
		"mixedCase123": "mixedcase123",
	}
	for in, want := range cases {
		if got := strings.ToLower(in); got != want {
			t.Fatalf("strings.ToLower(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientLookupUnknownAgent(t *testing.T) {
	c := &Client{cfg: Config{WorkspaceID: "ws1", DaemonID: "d1"}, remoteAgents: make(map[string]remotePresence)}
	if _, ok := c.Lookup("nobody"); ok {
		t.Fatalf("expected unknown agent to miss")
	}
}

func TestClientLookupAfterPresenceUpdate(t *testing.T) {
	c := &Client{cfg: Config{WorkspaceID: "ws1", DaemonID: "d1"}, remoteAgents: make(map[string]remotePresence)}
	c.remoteAgents["bob"] = remotePresence{daemonID: "daemon-b", entityType: envelope.EntityAgent, name: "bob"}
	daemonID, ok := c.Lookup("Bob")
	if !ok || daemonID != "daemon-b" {
		t.Fatalf("expected case-insensitive lookup to find daemon-b, got %q ok=%v", daemonID, ok)
	}
}

func TestRemoteAgentsSplitsByEntityType(t *testing.T) {
	c := &Client{cfg: Config{WorkspaceID: "ws1", DaemonID: "d1"}, remoteAgents: make(map[string]remotePresence)}
	c.remoteAgents["bob"] = remotePresence{daemonID: "daemon-b", entityType: envelope.EntityAgent, name: "bob"}
	c.remoteAgents["carol"] = remotePresence{daemonID: "daemon-b", entityType: envelope.EntityUser, name: "carol"}

	agents, users := c.RemoteAgents()
	if len(agents) != 1 || agents[0] != "bob" {
		t.Fatalf("expected agents [bob], got %v", agents)
	}
	if len(users) != 1 || users[0] != "carol" {
		t.Fatalf("expected users [carol], got %v", users)
	}
}
