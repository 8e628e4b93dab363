// Package archive gives the delivery tracker's give-up path a concrete
// failure trail: dropped deliveries are appended to a local gzip ring
// and optionally uploaded to S3 (SPEC_FULL.md §12, "Dead-letter
// archive"). Grounded on the retention/compression shape implied by
// _examples/nishisan-dev-n-backup's CompressionGzip/CompressionZstd
// frame tagging (internal/protocol/frames.go) and its backup-entry
// config idiom, adapted from streaming backup chunks to batched
// dead-letter envelopes.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/agent-relay/relay/internal/envelope"
)

// Record is one dead-lettered delivery, captured at the moment the
// tracker gave up on it.
type Record struct {
	EnvelopeID string    `json:"envelopeId"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Attempts   int       `json:"attempts"`
	DroppedAt  time.Time `json:"droppedAt"`
	Envelope   *envelope.Envelope `json:"envelope"`
}

// Uploader is the subset of the S3 client archive needs, satisfied by
// *s3.Client.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures an Archiver.
type Config struct {
	Dir           string // local directory for gzip-compressed ring files
	MaxFilesKept  int    // 0 means unbounded; housekeeping also prunes by age
	S3Bucket      string // empty disables S3 upload
	S3KeyPrefix   string
	S3Client      Uploader
	Logger        zerolog.Logger
}

// Archiver writes dead-letter records to a local gzip ring and
// optionally mirrors them to S3.
type Archiver struct {
	cfg Config
	mu  sync.Mutex
}

// New constructs an Archiver, creating Dir if needed.
func New(cfg Config) (*Archiver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	return &Archiver{cfg: cfg}, nil
}

// Append writes rec to a new gzip file named by timestamp+envelope id,
// and mirrors it to S3 when configured. Failures are logged, not
// returned, since archival is a best-effort trail, not the primary
// delivery contract (spec.md §6).
func (a *Archiver) Append(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("archive: marshal record failed")
		return
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("archive: gzip write failed")
		return
	}
	if err := gz.Close(); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("archive: gzip close failed")
		return
	}

	name := fmt.Sprintf("%d-%s.json.gz", rec.DroppedAt.UnixNano(), rec.EnvelopeID)
	path := filepath.Join(a.cfg.Dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		a.cfg.Logger.Warn().Err(err).Str("path", path).Msg("archive: write failed")
		return
	}

	a.enforceRetentionLocked()

	if a.cfg.S3Bucket != "" && a.cfg.S3Client != nil {
		go a.uploadToS3(name, buf.Bytes())
	}
}

func (a *Archiver) uploadToS3(name string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key := name
	if a.cfg.S3KeyPrefix != "" {
		key = filepath.Join(a.cfg.S3KeyPrefix, name)
	}

	_, err := a.cfg.S3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.S3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		a.cfg.Logger.Warn().Err(err).Str("key", key).Msg("archive: s3 upload failed")
	}
}

// enforceRetentionLocked trims the oldest files beyond MaxFilesKept.
// Caller must hold a.mu.
func (a *Archiver) enforceRetentionLocked() {
	if a.cfg.MaxFilesKept <= 0 {
		return
	}
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // filenames are timestamp-prefixed, so lexical == chronological
	excess := len(names) - a.cfg.MaxFilesKept
	for i := 0; i < excess; i++ {
		_ = os.Remove(filepath.Join(a.cfg.Dir, names[i]))
	}
}

// PruneOlderThan removes archive files whose modification time is older
// than cutoff, used by the housekeeping scheduler.
func (a *Archiver) PruneOlderThan(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(a.cfg.Dir, e.Name())) == nil {
				removed++
			}
		}
	}
	return removed
}
