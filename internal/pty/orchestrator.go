// Package pty implements the per-worker orchestrator (spec.md §4.8): it
// spawns a child CLI under a pseudo-terminal, wires its stdout to the
// output parser and idle detector, and injects inbound relay messages at
// safe moments via the native pty binary's control socket. Grounded on
// other_examples/a4eee857_ehrlich-b-wingthing__internal-egg-server.go.go's
// pty.StartWithSize/RunSession lifecycle (spawn under creack/pty, wire a
// goroutine reading ptmx into a buffer, graceful SIGTERM on shutdown).
package pty

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/idle"
	"github.com/agent-relay/relay/internal/outputparser"
	"github.com/agent-relay/relay/internal/relayclient"
)

var nativeBinarySearchPaths = []string{
	"$WORKSPACE/relay-pty/target/release/relay-pty",
	"/usr/local/bin/relay-pty",
	"node_modules/.bin/relay-pty",
}

// LocateNativeBinary searches known paths for the native pty helper,
// expanding $WORKSPACE against workspaceDir (spec.md §4.8 step 1).
func LocateNativeBinary(workspaceDir string) (string, error) {
	for _, p := range nativeBinarySearchPaths {
		candidate := strings.ReplaceAll(p, "$WORKSPACE", workspaceDir)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("pty: native relay-pty binary not found in any known path")
}

// SpawnCallback starts an independent orchestrator for a newly requested
// agent, used when no dashboard HTTP endpoint is configured (spec.md §4.8
// "Spawn/release delegation").
type SpawnCallback func(name, cli, task string) error

// Options configures an Orchestrator.
type Options struct {
	AgentName     string
	CLI           string
	CLIArgs       []string
	WorkspaceID   string
	WorkspaceDir  string
	NativeBinary  string // override LocateNativeBinary when set
	IdleTimeoutMs int
	DashboardPort int
	OnSpawn       SpawnCallback
	RelayPrefix   string
	PromptCues    []string
	Logger        zerolog.Logger
}

// Orchestrator owns one child CLI process, its control socket, and its
// RelayClient connection.
type Orchestrator struct {
	opts   Options
	client *relayclient.Client

	cmd  *exec.Cmd
	ptmx *os.File

	controlConn net.Conn
	controlMu   sync.Mutex

	parser   *outputparser.Parser
	detector *idle.Detector

	// injectLimiter paces control-socket injection attempts so a chatty
	// sender can't flood the child CLI faster than it can plausibly read.
	injectLimiter *rate.Limiter

	readyForMessages bool

	queueMu        sync.Mutex
	queue          []inboundMessage
	backpressure   bool
	injecting      bool

	outputBuf []byte
	outputMu  sync.Mutex

	pendingInjectMu sync.Mutex
	pendingInject   map[string]chan *injectResult

	lastSpawnAt map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	exitCode    int
	runningFlag bool
	runningMu   sync.Mutex
}

type inboundMessage struct {
	ID         string
	From       string
	Body       string
	Thread     string
	OriginalTo string
	Importance string
	SenderName string
}

// New constructs an Orchestrator. Call Start to spawn the child and
// connect.
func New(opts Options, client *relayclient.Client) *Orchestrator {
	if opts.RelayPrefix == "" {
		opts.RelayPrefix = "->relay:"
	}
	return &Orchestrator{
		opts:          opts,
		client:        client,
		parser:        outputparser.New(opts.RelayPrefix),
		detector:      idle.New(idle.Options{PromptCues: opts.PromptCues}),
		injectLimiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		pendingInject: make(map[string]chan *injectResult),
		lastSpawnAt:   make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Start performs the full C8 lifecycle: locate the binary, spawn under a
// PTY, connect to the control socket, wire handlers (spec.md §4.8).
func (o *Orchestrator) Start(ctx context.Context) error {
	binPath := o.opts.NativeBinary
	if binPath == "" {
		found, err := LocateNativeBinary(o.opts.WorkspaceDir)
		if err != nil {
			return err
		}
		binPath = found
	}

	socketPath := config.PTYControlSocketPath(o.opts.WorkspaceID, o.opts.AgentName)

	args := []string{
		"--name", o.opts.AgentName,
		"--socket", socketPath,
		"--idle-timeout", fmt.Sprintf("%d", o.opts.IdleTimeoutMs),
		"--",
		o.opts.CLI,
	}
	args = append(args, o.opts.CLIArgs...)

	o.cmd = exec.CommandContext(ctx, binPath, args...)
	o.cmd.Cancel = func() error { return o.cmd.Process.Signal(os.Interrupt) }

	ptmx, err := pty.Start(o.cmd)
	if err != nil {
		return fmt.Errorf("pty: start: %w", err)
	}
	o.ptmx = ptmx
	o.setRunning(true)

	o.wg.Add(1)
	go o.readPTY()

	o.wg.Add(1)
	go o.waitExit()

	if err := o.connectControlSocket(socketPath); err != nil {
		return err
	}
	o.readyForMessages = true

	o.wg.Add(1)
	go o.stuckQueueMonitor()

	o.opts.Logger.Info().Str("agent", o.opts.AgentName).Str("socket", socketPath).Msg("pty orchestrator started")
	return nil
}

// connectControlSocket dials the native binary's control socket with 3
// attempts, 5s timeout each, exponential backoff (spec.md §4.8 step 3).
func (o *Orchestrator) connectControlSocket(socketPath string) error {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		nc, err := net.DialTimeout("unix", socketPath, 5*time.Second)
		if err == nil {
			o.controlMu.Lock()
			o.controlConn = nc
			o.controlMu.Unlock()
			o.wg.Add(1)
			go o.readControlSocket(nc)
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("pty: control socket dial failed after 3 attempts: %w", lastErr)
}

func (o *Orchestrator) readPTY() {
	defer o.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := o.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			o.onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (o *Orchestrator) onOutput(chunk []byte) {
	o.outputMu.Lock()
	o.outputBuf = append(o.outputBuf, chunk...)
	size := len(o.outputBuf)
	o.outputMu.Unlock()
	_ = size // available for diagnostics; humanize.Bytes used in status reporting below

	o.detector.NotifyOutput(chunk)

	for _, cmd := range o.parser.Feed(chunk) {
		o.handleParsedCommand(cmd)
	}

	o.checkStateMarkers(chunk)
	o.verifyInjectionEcho(chunk)
}

func (o *Orchestrator) handleParsedCommand(cmd outputparser.Command) {
	switch cmd.Kind {
	case outputparser.KindSend:
		_ = o.client.SendMessage(cmd.Target, cmd.Body, envelope.KindMessage, nil, cmd.Thread)
	case outputparser.KindSpawn:
		o.handleSpawn(cmd.Target, cmd.CLI, cmd.Task)
	case outputparser.KindRelease:
		o.handleRelease(cmd.Body)
	}
}

func (o *Orchestrator) handleSpawn(name, cli, task string) {
	if o.opts.DashboardPort != 0 {
		go func() {
			if err := postSpawnToDashboard(o.opts.DashboardPort, name, cli, task, o.opts.Logger); err != nil {
				o.opts.Logger.Warn().Err(err).Str("spawned_agent", name).Msg("dashboard spawn POST failed, falling back to onSpawn callback")
				if o.opts.OnSpawn != nil {
					if err := o.opts.OnSpawn(name, cli, task); err != nil {
						o.opts.Logger.Warn().Err(err).Str("spawned_agent", name).Msg("onSpawn callback failed")
					}
				}
			}
		}()
		return
	}
	if o.opts.OnSpawn != nil {
		if err := o.opts.OnSpawn(name, cli, task); err != nil {
			o.opts.Logger.Warn().Err(err).Str("spawned_agent", name).Msg("onSpawn callback failed")
		}
	}
}

func (o *Orchestrator) handleRelease(target string) {
	if o.opts.DashboardPort != 0 {
		go postReleaseToDashboard(o.opts.DashboardPort, target, o.opts.Logger)
	}
}

// postSpawnToDashboard issues the spawner's POST /api/spawn (spec.md §4.8,
// §6) and reports whether the dashboard accepted it.
func postSpawnToDashboard(port int, name, cli, task string, logger zerolog.Logger) error {
	body, err := json.Marshal(map[string]string{"name": name, "cli": cli, "task": task})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://localhost:%d/api/spawn", port)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode != http.StatusOK || !result.Success {
		if result.Error != "" {
			return fmt.Errorf("dashboard spawn rejected: %s", result.Error)
		}
		return fmt.Errorf("dashboard spawn rejected: status %d", resp.StatusCode)
	}
	logger.Debug().Int("port", port).Str("name", name).Str("cli", cli).Msg("dashboard accepted spawn request")
	return nil
}

func postReleaseToDashboard(port int, target string, logger zerolog.Logger) {
	body, err := json.Marshal(map[string]string{"name": target})
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://localhost:%d/api/release", port)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("dashboard release POST failed")
		return
	}
	defer resp.Body.Close()
	logger.Debug().Int("port", port).Str("target", target).Msg("posted release request to dashboard")
}

var summaryMarker = []byte("[[SUMMARY]]")
var sessionEndMarker = []byte("[[SESSION_END]]")

func (o *Orchestrator) checkStateMarkers(chunk []byte) {
	if bytes.Contains(chunk, summaryMarker) {
		o.opts.Logger.Info().Str("agent", o.opts.AgentName).Msg("summary marker observed")
	}
	if bytes.Contains(chunk, sessionEndMarker) {
		o.opts.Logger.Info().Str("agent", o.opts.AgentName).Msg("session-end marker observed")
	}
}

func (o *Orchestrator) setRunning(v bool) {
	o.runningMu.Lock()
	o.runningFlag = v
	o.runningMu.Unlock()
}

// Running reports whether the child process is still alive.
func (o *Orchestrator) Running() bool {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	return o.runningFlag
}

// Done returns a channel closed once the child process has exited, for
// callers that want to shut down alongside it.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.stopCh
}

func (o *Orchestrator) waitExit() {
	defer o.wg.Done()
	err := o.cmd.Wait()
	o.setRunning(false)
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	o.exitCode = code
	o.opts.Logger.Info().Str("agent", o.opts.AgentName).Int("exit_code", code).
		Str("bytes_processed", humanize.Bytes(uint64(len(o.outputBuf)))).
		Msg("child process exited")
	close(o.stopCh)
}

// OnMessage is the relayclient callback wiring inbound DELIVERs to the
// injection queue (spec.md §4.8 "Inbound message handling").
func (o *Orchestrator) OnMessage(env *envelope.Envelope) {
	if env.Type != envelope.TypeDeliver {
		return
	}
	var payload envelope.SendPayload
	_ = env.DecodePayload(&payload)

	senderName, _ := payload.Data["senderName"].(string)
	originalTo := ""
	if env.Delivery != nil {
		originalTo = env.Delivery.OriginalTo
	}
	importance := ""
	if env.PayloadMeta != nil {
		importance = env.PayloadMeta.Importance
	}

	o.queueMu.Lock()
	o.queue = append(o.queue, inboundMessage{
		ID:         env.ID,
		From:       env.From,
		Body:       payload.Body,
		Thread:     payload.Thread,
		OriginalTo: originalTo,
		SenderName: senderName,
		Importance: importance,
	})
	o.queueMu.Unlock()

	go o.processMessageQueue()
}

// processMessageQueue drains one message at a time, gated on idle
// detection, injecting it over the control socket (spec.md §4.8).
func (o *Orchestrator) processMessageQueue() {
	o.queueMu.Lock()
	if o.backpressure || o.injecting || !o.readyForMessages || len(o.queue) == 0 {
		o.queueMu.Unlock()
		return
	}
	msg := o.queue[0]
	o.injecting = true
	o.queueMu.Unlock()

	defer func() {
		o.queueMu.Lock()
		o.injecting = false
		o.queueMu.Unlock()
	}()

	if !o.waitForIdle(5 * time.Second) {
		o.queueMu.Lock()
		o.injecting = false
		o.queueMu.Unlock()
		return // retried by the stuck-queue monitor or the next inbound message
	}

	if err := o.injectLimiter.Wait(context.Background()); err != nil {
		o.queueMu.Lock()
		o.injecting = false
		o.queueMu.Unlock()
		return
	}

	formatted := buildInjectionString(msg)
	ok := o.injectAndVerify(msg.ID, msg.From, formatted)

	o.queueMu.Lock()
	if ok {
		o.queue = o.queue[1:]
	}
	o.queueMu.Unlock()

	if !ok {
		o.onInjectionFailed(msg.ID, fmt.Errorf("pty: injection not confirmed"))
	} else {
		go o.processMessageQueue() // drain the next message, if any
	}
}

func (o *Orchestrator) waitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r := o.detector.CheckIdle()
		if r.IsIdle && r.Confidence >= 0.7 {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// buildInjectionString formats the Relay-message line shown to the child
// CLI (spec.md §4.8): "Relay message from <sender> [<short-id>][thread:<t>?][<#channel>?][!!|!]: <body>".
func buildInjectionString(msg inboundMessage) string {
	sender := msg.From
	if msg.From == "_DashboardUI" && msg.SenderName != "" {
		sender = msg.SenderName
	}

	shortID := msg.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	var b strings.Builder
	b.WriteString("Relay message from ")
	b.WriteString(sender)
	b.WriteString(" [")
	b.WriteString(shortID)
	b.WriteString("]")
	if msg.Thread != "" {
		fmt.Fprintf(&b, "[thread:%s]", msg.Thread)
	}
	if msg.OriginalTo != "" && strings.HasPrefix(msg.OriginalTo, "#") {
		fmt.Fprintf(&b, "[%s]", msg.OriginalTo)
	}
	switch msg.Importance {
	case "critical":
		b.WriteString("[!!]")
	case "high":
		b.WriteString("[!]")
	}
	b.WriteString(": ")
	b.WriteString(msg.Body)
	return b.String()
}

type injectRequest struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	From     string `json:"from"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

type injectResult struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (o *Orchestrator) injectAndVerify(id, from, formatted string) bool {
	req := injectRequest{Type: "inject", ID: id, From: from, Body: formatted}
	if err := o.sendControlJSON(req); err != nil {
		o.opts.Logger.Warn().Err(err).Msg("control socket write failed during inject")
		return false
	}

	result := o.awaitInjectResult(id, 5*time.Second)
	if result == nil || result.Status != "delivered" {
		return false
	}

	return o.confirmEchoed(formatted, 2*time.Second)
}

func (o *Orchestrator) confirmEchoed(text string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o.outputMu.Lock()
		found := bytes.Contains(o.outputBuf, []byte(text))
		o.outputMu.Unlock()
		if found {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func (o *Orchestrator) verifyInjectionEcho(chunk []byte) {
	// Intentionally empty: confirmation is polled synchronously from
	// injectAndVerify via confirmEchoed, which reads the accumulating
	// outputBuf updated by onOutput. Kept as an explicit hook point for
	// a future push-based verifier.
	_ = chunk
}

func (o *Orchestrator) onInjectionFailed(id string, err error) {
	o.opts.Logger.Warn().Str("message_id", id).Err(err).Msg("message injection failed")
}

func (o *Orchestrator) sendControlJSON(v any) error {
	o.controlMu.Lock()
	nc := o.controlConn
	o.controlMu.Unlock()
	if nc == nil {
		return fmt.Errorf("pty: control socket not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = nc.Write(data)
	return err
}

func (o *Orchestrator) awaitInjectResult(id string, timeout time.Duration) *injectResult {
	ch := make(chan *injectResult, 1)
	o.pendingInjectMu.Lock()
	o.pendingInject[id] = ch
	o.pendingInjectMu.Unlock()
	defer func() {
		o.pendingInjectMu.Lock()
		delete(o.pendingInject, id)
		o.pendingInjectMu.Unlock()
	}()

	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		return nil
	}
}

func (o *Orchestrator) readControlSocket(nc net.Conn) {
	defer o.wg.Done()
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(line, &probe) != nil {
			continue
		}
		switch probe.Type {
		case "inject_result":
			var r injectResult
			if json.Unmarshal(line, &r) == nil {
				o.pendingInjectMu.Lock()
				ch, ok := o.pendingInject[r.ID]
				o.pendingInjectMu.Unlock()
				if ok {
					select {
					case ch <- &r:
					default:
					}
				}
			}
		case "backpressure":
			var bp struct {
				Accept      bool `json:"accept"`
				QueueLength int  `json:"queue_length"`
			}
			if json.Unmarshal(line, &bp) == nil {
				o.queueMu.Lock()
				o.backpressure = !bp.Accept
				o.queueMu.Unlock()
				if bp.Accept {
					go o.processMessageQueue()
				}
			}
		case "idle":
			var idleMsg struct {
				Idle bool `json:"idle"`
			}
			if json.Unmarshal(line, &idleMsg) == nil {
				o.detector.NotifyControlSocket(idleMsg.Idle)
			}
		}
	}
}

// stuckQueueMonitor defensively re-invokes processMessageQueue every 30s
// when the queue is non-empty, idle, and not backpressured/injecting
// (spec.md §4.8).
func (o *Orchestrator) stuckQueueMonitor() {
	defer o.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.queueMu.Lock()
			empty := len(o.queue) == 0
			bp := o.backpressure
			injecting := o.injecting
			o.queueMu.Unlock()
			if empty || bp || injecting {
				continue
			}
			if r := o.detector.CheckIdle(); r.IsIdle {
				o.processMessageQueue()
			}
		}
	}
}

// Stop terminates the child process and closes the control socket.
func (o *Orchestrator) Stop() {
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Signal(os.Interrupt)
	}
	o.controlMu.Lock()
	if o.controlConn != nil {
		_ = o.controlConn.Close()
	}
	o.controlMu.Unlock()
	if o.ptmx != nil {
		_ = o.ptmx.Close()
	}
	o.wg.Wait()
}
