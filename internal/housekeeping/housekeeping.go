// Package housekeeping runs the daemon's background maintenance: hourly
// archive rotation and pruning of stale registry sessions
// (SPEC_FULL.md §12, "Housekeeping scheduler"). Grounded on
// _examples/nishisan-dev-n-backup/internal/agent/scheduler.go's
// Scheduler (cron.New, one guarded job per entry, running-flag mutex to
// skip overlapping executions), adapted from per-backup-entry cron jobs
// into two fixed maintenance jobs.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ArchivePruner is the subset of archive.Archiver housekeeping needs.
type ArchivePruner interface {
	PruneOlderThan(cutoff time.Time) int
}

// SessionPruner is the subset of daemon.Daemon needed to drop sessions
// with no resume activity for a long time.
type SessionPruner interface {
	PruneStaleSessions(olderThan time.Duration) int
}

// Config configures a Scheduler.
type Config struct {
	Archive            ArchivePruner
	Sessions           SessionPruner
	ArchiveRetention   time.Duration // default 7 * 24h
	SessionIdleCutoff  time.Duration // default 24h
	ArchiveCronSpec    string        // default hourly
	SessionCronSpec    string        // default hourly
	Logger             zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.ArchiveRetention == 0 {
		c.ArchiveRetention = 7 * 24 * time.Hour
	}
	if c.SessionIdleCutoff == 0 {
		c.SessionIdleCutoff = 24 * time.Hour
	}
	if c.ArchiveCronSpec == "" {
		c.ArchiveCronSpec = "@hourly"
	}
	if c.SessionCronSpec == "" {
		c.SessionCronSpec = "@hourly"
	}
}

// Scheduler runs the two maintenance jobs on independent cron
// schedules, guarding each against overlapping execution.
type Scheduler struct {
	cfg  Config
	cron *cron.Cron

	archiveMu  sync.Mutex
	archiveRun bool

	sessionMu  sync.Mutex
	sessionRun bool
}

// New constructs a Scheduler and registers its cron jobs. cfg.Archive
// and cfg.Sessions may each be nil to disable that job.
func New(cfg Config) (*Scheduler, error) {
	cfg.setDefaults()
	s := &Scheduler{cfg: cfg, cron: cron.New()}

	if cfg.Archive != nil {
		if _, err := s.cron.AddFunc(cfg.ArchiveCronSpec, s.runArchiveRotation); err != nil {
			return nil, err
		}
	}
	if cfg.Sessions != nil {
		if _, err := s.cron.AddFunc(cfg.SessionCronSpec, s.runSessionPruning); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler, waiting for in-flight jobs or ctx's
// deadline, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.cfg.Logger.Warn().Msg("housekeeping stop timed out waiting for in-flight jobs")
	}
}

func (s *Scheduler) runArchiveRotation() {
	s.archiveMu.Lock()
	if s.archiveRun {
		s.archiveMu.Unlock()
		return
	}
	s.archiveRun = true
	s.archiveMu.Unlock()
	defer func() {
		s.archiveMu.Lock()
		s.archiveRun = false
		s.archiveMu.Unlock()
	}()

	cutoff := time.Now().Add(-s.cfg.ArchiveRetention)
	removed := s.cfg.Archive.PruneOlderThan(cutoff)
	s.cfg.Logger.Info().Int("removed", removed).Msg("housekeeping: archive rotation complete")
}

func (s *Scheduler) runSessionPruning() {
	s.sessionMu.Lock()
	if s.sessionRun {
		s.sessionMu.Unlock()
		return
	}
	s.sessionRun = true
	s.sessionMu.Unlock()
	defer func() {
		s.sessionMu.Lock()
		s.sessionRun = false
		s.sessionMu.Unlock()
	}()

	removed := s.cfg.Sessions.PruneStaleSessions(s.cfg.SessionIdleCutoff)
	s.cfg.Logger.Info().Int("removed", removed).Msg("housekeeping: stale session pruning complete")
}
