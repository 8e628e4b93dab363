package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/envelope"
)

func TestAppendWritesGzipFile(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Append(Record{
		EnvelopeID: "e1",
		Sender:     "alice",
		Recipient:  "bob",
		Attempts:   3,
		DroppedAt:  time.Now(),
		Envelope:   &envelope.Envelope{ID: "e1"},
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 archive file, got %d", len(entries))
	}
}

func TestRetentionTrimsOldestFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Config{Dir: dir, MaxFilesKept: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := time.Now()
	for i := 0; i < 4; i++ {
		a.Append(Record{
			EnvelopeID: string(rune('a' + i)),
			DroppedAt:  base.Add(time.Duration(i) * time.Millisecond),
			Envelope:   &envelope.Envelope{ID: string(rune('a' + i))},
		})
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected retention to trim to 2 files, got %d", len(entries))
	}
}

func TestPruneOlderThanRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stalePath := filepath.Join(dir, "stale.json.gz")
	if err := os.WriteFile(stalePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatal(err)
	}

	removed := a.PruneOlderThan(time.Now().Add(-24 * time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 file pruned, got %d", removed)
	}
}
