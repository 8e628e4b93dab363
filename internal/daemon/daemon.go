// Package daemon wires C2-C5 together behind a listening Unix socket and
// owns the process-level lifecycle: startup sequencing, periodic
// snapshot writers, a debug HTTP listener for metrics/health, and
// graceful shutdown. Grounded on ws/main.go's Start/Shutdown shape,
// generalized from a WebSocket listener to net.Listen("unix", ...).
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/conn"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/metrics"
	"github.com/agent-relay/relay/internal/registry"
	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/tracker"
	"github.com/agent-relay/relay/internal/wire"
)

// Storage is the pluggable persistence adapter (spec.md §4.6, §11).
type Storage interface {
	Init() error
	SaveMessage(env *envelope.Envelope) error
	GetMessages(recipient string, limit int) ([]*envelope.Envelope, error)
	UpdateMessageStatus(id string, status string)
	Close() error
}

// CloudSync is the opaque outbound hook for cross-machine agent presence
// (spec.md §4.6, explicitly out of core scope per spec.md §1).
type CloudSync interface {
	UpdateAgents(agents []envelope.AgentRecord)
	Close() error
}

// remoteLister is satisfied by a CloudSync implementation that tracks
// remote presence locally (e.g. *cloudsync.Client), letting the daemon
// mirror it to remote-agents.json/remote-users.json (spec.md §6,
// "if cloud sync is active"). Optional: a CloudSync that doesn't
// implement it simply never gets these snapshot files written.
type remoteLister interface {
	RemoteAgents() (agents, users []string)
}

// DeadLetterSink receives deliveries the tracker gave up retrying
// (SPEC_FULL.md §12, "Dead-letter archive"). Satisfied by
// *archive.Archiver.
type DeadLetterSink interface {
	Append(rec DeadLetterRecord)
}

// DeadLetterRecord mirrors archive.Record's fields without importing
// the archive package from daemon, keeping the dependency one-directional.
type DeadLetterRecord struct {
	EnvelopeID string
	Sender     string
	Recipient  string
	Attempts   int
	DroppedAt  time.Time
	Envelope   *envelope.Envelope
}

// Options configures a Daemon.
type Options struct {
	SocketPath         string
	PIDFilePath        string
	SnapshotDir        string
	WorkspaceID        string
	DebugHTTPAddr      string
	Storage            Storage
	CloudSync          CloudSync
	CrossMachine       router.CrossMachine
	DeadLetter         DeadLetterSink
	MembershipStore    registry.MemberStore
	Logger             zerolog.Logger
	AckTimeout         time.Duration
	MaxAttempts        int
	DeliveryTTL        time.Duration
	HeartbeatEvery     time.Duration
	HelloTimeout       time.Duration
	DedupeCacheSize    int
	StateWriteInterval time.Duration
	CloudSyncDebounce  time.Duration
	WireMode           wire.Mode
	WireCodec          wire.Codec
}

// Daemon owns the listener and the wired-up C2-C5 components.
type Daemon struct {
	opts     Options
	logger   zerolog.Logger
	listener net.Listener

	registry *registry.Registry
	tracker  *tracker.Tracker
	router   *router.Router

	connsMu sync.Mutex
	conns   map[int64]*conn.Connection

	sessionsMu sync.Mutex
	sessions   map[string]envelope.Session // resumeToken -> session

	cloudSyncTimer *time.Timer
	cloudSyncMu    sync.Mutex

	httpServer *http.Server

	startedAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	// connCtx is the parent context of every connection; Stop cancels it.
	connCtx    context.Context
	connCancel context.CancelFunc
}

// New constructs a Daemon without starting it.
func New(opts Options) *Daemon {
	if opts.StateWriteInterval == 0 {
		opts.StateWriteInterval = 500 * time.Millisecond
	}
	if opts.CloudSyncDebounce == 0 {
		opts.CloudSyncDebounce = 1 * time.Second
	}

	d := &Daemon{
		opts:     opts,
		logger:   opts.Logger,
		conns:    make(map[int64]*conn.Connection),
		sessions: make(map[string]envelope.Session),
		stopCh:   make(chan struct{}),
	}
	d.connCtx, d.connCancel = context.WithCancel(context.Background())

	d.registry = registry.New(registry.Options{
		SnapshotDir:        opts.SnapshotDir,
		MemberStore:        opts.MembershipStore,
		WorkspaceID:        opts.WorkspaceID,
		StateWriteInterval: opts.StateWriteInterval,
	})

	d.tracker = tracker.New(tracker.Options{
		AckTimeout:  opts.AckTimeout,
		MaxAttempts: opts.MaxAttempts,
		DeliveryTTL: opts.DeliveryTTL,
		Sender:      &trackerSender{d: d},
		Storage:     &storageStatusAdapter{storage: opts.Storage},
		OnDeliveryFailed: func(e tracker.Entry) {
			d.logger.Warn().Str("envelope_id", e.Envelope.ID).Str("recipient", e.Recipient).Msg("delivery failed after retries")
			if opts.DeadLetter != nil {
				opts.DeadLetter.Append(DeadLetterRecord{
					EnvelopeID: e.Envelope.ID,
					Sender:     e.Sender,
					Recipient:  e.Recipient,
					Attempts:   e.Attempts,
					DroppedAt:  time.Now(),
					Envelope:   e.Envelope,
				})
			}
		},
		OnAck: func(e tracker.Entry) {
			if e.Envelope.PayloadMeta == nil || e.Envelope.PayloadMeta.Sync == nil {
				return
			}
			d.router.SendSyncConfirmation(e.Sender, e.Recipient, e.Envelope.PayloadMeta.Sync.CorrelationID)
		},
	})

	d.router = router.New(router.Options{
		Registry:        d.registry,
		Tracker:         d.tracker,
		Storage:         &storageSaveAdapter{storage: opts.Storage},
		MembershipStore: opts.MembershipStore,
		WorkspaceID:     opts.WorkspaceID,
		Logger:          opts.Logger,
		CrossMachine:    opts.CrossMachine,
	})

	return d
}

type trackerSender struct{ d *Daemon }

func (s *trackerSender) SendTo(connID int64, env *envelope.Envelope) bool {
	s.d.connsMu.Lock()
	c, ok := s.d.conns[connID]
	s.d.connsMu.Unlock()
	if !ok {
		return false
	}
	return c.Send(env)
}

type storageStatusAdapter struct{ storage Storage }

func (a *storageStatusAdapter) UpdateMessageStatus(id, status string) {
	if a.storage != nil {
		a.storage.UpdateMessageStatus(id, status)
	}
}

type storageSaveAdapter struct{ storage Storage }

func (a *storageSaveAdapter) SaveMessage(env *envelope.Envelope) error {
	if a.storage == nil {
		return nil
	}
	return a.storage.SaveMessage(env)
}

// Start performs the startup sequence: initialize storage, open the
// listener, start periodic writers and the debug HTTP listener (spec.md
// §4.6 "Startup sequence").
func (d *Daemon) Start() error {
	d.startedAt = time.Now()
	if d.opts.Storage != nil {
		if err := d.opts.Storage.Init(); err != nil {
			return err
		}
	}

	_ = os.Remove(d.opts.SocketPath)
	ln, err := net.Listen("unix", d.opts.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(d.opts.SocketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	d.listener = ln

	if d.opts.PIDFilePath != "" {
		_ = os.WriteFile(d.opts.PIDFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	}

	if d.opts.DebugHTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(d.healthSnapshot())
		})
		d.httpServer = &http.Server{Addr: d.opts.DebugHTTPAddr, Handler: mux}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Warn().Err(err).Msg("debug http server stopped")
			}
		}()
	}

	d.wg.Add(1)
	go d.acceptLoop()

	if lister, ok := d.opts.CloudSync.(remoteLister); ok && d.opts.SnapshotDir != "" {
		d.wg.Add(1)
		go d.periodicRemoteSnapshot(lister, d.opts.StateWriteInterval)
	}

	metrics.DaemonUp.Set(1)
	d.logger.Info().Str("socket", d.opts.SocketPath).Msg("daemon started")
	return nil
}

// periodicRemoteSnapshot mirrors cloud-sync's remote presence view to
// remote-agents.json/remote-users.json (spec.md §6), the same
// temp-then-rename cadence the registry uses for its own snapshot files.
func (d *Daemon) periodicRemoteSnapshot(lister remoteLister, interval time.Duration) {
	defer d.wg.Done()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			agents, users := lister.RemoteAgents()
			writeRemoteSnapshot(filepath.Join(d.opts.SnapshotDir, "remote-agents.json"), "agents", agents)
			writeRemoteSnapshot(filepath.Join(d.opts.SnapshotDir, "remote-users.json"), "users", users)
		}
	}
}

func writeRemoteSnapshot(path, key string, names []string) {
	data, err := json.Marshal(map[string]any{key: names, "updatedAt": time.Now().UnixMilli()})
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
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	_ = os.Rename(tmp.Name(), path)
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		nc, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				d.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serve(nc)
		}()
	}
}

func (d *Daemon) serve(nc net.Conn) {
	c := conn.New(nc, conn.Options{
		Mode:            d.opts.WireMode,
		Codec:           d.opts.WireCodec,
		AckTimeout:      d.opts.AckTimeout,
		HeartbeatEvery:  d.opts.HeartbeatEvery,
		HelloTimeout:    d.opts.HelloTimeout,
		DedupeCacheSize: d.opts.DedupeCacheSize,
		Logger:          d.logger,
	})

	d.connsMu.Lock()
	d.conns[c.ID()] = c
	d.connsMu.Unlock()
	metrics.ConnectionsActive.Inc()

	c.Run(d.connCtx, &daemonHandler{d: d})

	d.connsMu.Lock()
	delete(d.conns, c.ID())
	d.connsMu.Unlock()
	metrics.ConnectionsActive.Dec()
}

// Stop gracefully drains the daemon (spec.md §4.6 "Shutdown" and §5
// "Cancellation"): stop accepting, BYE each connection, stop timers,
// close storage, flush snapshots, delete socket/pid files.
func (d *Daemon) Stop() error {
	close(d.stopCh)
	if d.listener != nil {
		_ = d.listener.Close()
	}

	d.connsMu.Lock()
	conns := make([]*conn.Connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.connsMu.Unlock()

	for _, c := range conns {
		bye := &envelope.Envelope{V: 1, Type: envelope.TypeBye, Ts: time.Now().UnixMilli()}
		c.Send(bye)
	}
	time.Sleep(50 * time.Millisecond) // let coalesced BYEs flush before close
	d.connCancel()

	if d.httpServer != nil {
		_ = d.httpServer.Close()
	}

	d.registry.Stop()

	if d.opts.CloudSync != nil {
		_ = d.opts.CloudSync.Close()
	}
	if d.opts.Storage != nil {
		_ = d.opts.Storage.Close()
	}

	d.wg.Wait()

	if d.opts.PIDFilePath != "" {
		_ = os.Remove(d.opts.PIDFilePath)
	}
	_ = os.Remove(d.opts.SocketPath)

	metrics.DaemonUp.Set(0)
	d.logger.Info().Msg("daemon stopped")
	return nil
}

// DeliverFromRemote hands a message another daemon delegated to us over
// cloud-sync (SPEC_FULL.md §4.6) to the local router, as the inbound
// half of router.CrossMachine.Send.
func (d *Daemon) DeliverFromRemote(from, to, body string, meta *envelope.PayloadMeta) {
	d.router.DeliverFromRemote(from, to, body, meta)
}

// touchSession refreshes LastActivity for the session identified by
// sessionID, a no-op if sessionID is unset or unknown (e.g. a
// not-yet-HELLO'd connection).
func (d *Daemon) touchSession(sessionID string) {
	if sessionID == "" {
		return
	}
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	for token, s := range d.sessions {
		if s.ID == sessionID {
			s.LastActivity = time.Now().UnixMilli()
			d.sessions[token] = s
			return
		}
	}
}

// PruneStaleSessions removes sessions whose LastActivity predates
// olderThan, implementing housekeeping.SessionPruner (SPEC_FULL.md §12).
// A pruned session's resume token stops being honored; a reconnect with
// it falls back to RESUME_TOO_OLD.
func (d *Daemon) PruneStaleSessions(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	removed := 0
	for token, s := range d.sessions {
		if s.LastActivity < cutoff {
			delete(d.sessions, token)
			removed++
		}
	}
	return removed
}

// notifyCloudSync debounces agent-presence pushes by CloudSyncDebounce
// (spec.md §4.6 "Cloud-sync").
func (d *Daemon) notifyCloudSync() {
	if d.opts.CloudSync == nil {
		return
	}
	d.cloudSyncMu.Lock()
	defer d.cloudSyncMu.Unlock()
	if d.cloudSyncTimer != nil {
		d.cloudSyncTimer.Stop()
	}
	d.cloudSyncTimer = time.AfterFunc(d.opts.CloudSyncDebounce, func() {
		d.opts.CloudSync.UpdateAgents(d.registry.ListConnected())
	})
}
