package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// maxSocketPathLen is a conservative Unix socket path limit; Linux's
// sockaddr_un.sun_path is 108 bytes, macOS's is 104. We stay well under
// both.
const maxSocketPathLen = 100

// NamespacedSocketPath returns the workspace-scoped control-socket path
// for an agent, per spec.md §6: `/tmp/relay/<workspaceId>/sockets/<agent>.sock`,
// with the workspace id substituted by a truncated SHA-256 hash when the
// full path would exceed the platform's socket-name limit.
func NamespacedSocketPath(workspaceID, agentName string) string {
	path := fmt.Sprintf("/tmp/relay/%s/sockets/%s.sock", workspaceID, agentName)
	if len(path) <= maxSocketPathLen {
		return path
	}
	sum := sha256.Sum256([]byte(workspaceID))
	short := hex.EncodeToString(sum[:])[:12]
	return fmt.Sprintf("/tmp/relay/%s/sockets/%s.sock", short, agentName)
}

// PTYControlSocketPath returns the control-socket path used to talk to
// the native pty binary for one worker, per spec.md §4.8.
func PTYControlSocketPath(workspaceID, agentName string) string {
	if workspaceID == "" {
		return fmt.Sprintf("/tmp/relay-pty-%s.sock", agentName)
	}
	return NamespacedSocketPath(workspaceID, agentName)
}
