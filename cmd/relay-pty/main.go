// Command relay-pty is the worker-side companion to relayd (spec.md
// §4.8): it connects to the daemon as a typed relay peer, spawns the
// configured CLI under a PTY, and bridges inbound relay messages into
// the running child. Grounded on ws/main.go's flag/automaxprocs/
// signal/Start-Shutdown shape, same as cmd/relayd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/logging"
	"github.com/agent-relay/relay/internal/pty"
	"github.com/agent-relay/relay/internal/relayclient"
	"github.com/agent-relay/relay/internal/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-pty: config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.AgentName == "" {
		fmt.Fprintln(os.Stderr, "relay-pty: RELAY_AGENT_NAME is required")
		os.Exit(1)
	}
	if cfg.CLI == "" {
		fmt.Fprintln(os.Stderr, "relay-pty: RELAY_CLI is required")
		os.Exit(1)
	}

	logger := logging.New("relay-pty", logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty}).
		With().Str("agent", cfg.AgentName).Logger()
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting relay-pty")

	// orch is assigned below, after construction; OnMessage only fires
	// once the client's read loop starts, which happens at the very end
	// of Connect, well after orch exists, so capturing it by reference
	// here is safe.
	var orch *pty.Orchestrator
	client := relayclient.New(relayclient.Options{
		SocketPath: cfg.SocketPath(),
		AgentName:  cfg.AgentName,
		EntityType: envelope.EntityAgent,
		CLI:        cfg.CLI,
		Mode:       wire.ModeCurrent,
		Codec:      wire.CodecMsgpack,
		Logger:     logger,
		OnMessage: func(env *envelope.Envelope) {
			orch.OnMessage(env)
		},
		OnReady: func() {
			logger.Info().Msg("connected to relayd")
		},
		OnClose: func() {
			logger.Warn().Msg("disconnected from relayd")
		},
	})

	orch = pty.New(pty.Options{
		AgentName:     cfg.AgentName,
		CLI:           cfg.CLI,
		CLIArgs:       splitArgs(cfg.CLIArgs),
		WorkspaceID:   cfg.WorkspaceID,
		WorkspaceDir:  cfg.WorkspaceDir,
		NativeBinary:  cfg.NativeBinary,
		IdleTimeoutMs: cfg.IdleTimeoutMs,
		DashboardPort: cfg.DashboardPort,
		PromptCues:    splitArgs(cfg.PromptCues),
		Logger:        logger,
	}, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relayd")
	}
	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start pty orchestrator")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down relay-pty")
	case <-orch.Done():
		logger.Info().Msg("child process exited, shutting down relay-pty")
	}

	cancel()
	orch.Stop()
	client.Destroy()
	time.Sleep(50 * time.Millisecond) // let in-flight writes flush before exit
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Fields(s) {
		out = append(out, part)
	}
	return out
}
