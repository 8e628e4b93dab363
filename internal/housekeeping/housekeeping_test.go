package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeArchive struct{ calls int32 }

func (f *fakeArchive) PruneOlderThan(cutoff time.Time) int {
	atomic.AddInt32(&f.calls, 1)
	return 3
}

type fakeSessions struct{ calls int32 }

func (f *fakeSessions) PruneStaleSessions(olderThan time.Duration) int {
	atomic.AddInt32(&f.calls, 1)
	return 2
}

func TestSchedulerRunsRegisteredJobs(t *testing.T) {
	archive := &fakeArchive{}
	sessions := &fakeSessions{}
	s, err := New(Config{
		Archive:         archive,
		Sessions:        sessions,
		ArchiveCronSpec: "@every 50ms",
		SessionCronSpec: "@every 50ms",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&archive.calls) > 0 && atomic.LoadInt32(&sessions.calls) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected both jobs to run, archive=%d sessions=%d", archive.calls, sessions.calls)
}

func TestSchedulerSkipsNilJobs(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())
	time.Sleep(20 * time.Millisecond) // no jobs registered, nothing should panic
}
