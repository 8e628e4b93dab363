// Package badgerstore is the default embedded, crash-safe daemon.Storage
// backend, keeping saved messages and delivery status in a BadgerDB
// instance. Grounded on
// _examples/tenzoki-agen/code/omni/internal/storage/badger.go's
// BadgerStore (Config/DefaultConfig, View/Update transaction idiom,
// prefix Scan), repurposed from a generic KV store into one scoped to
// relay messages and statuses.
package badgerstore

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/agent-relay/relay/internal/envelope"
)

// Config mirrors the teacher's tunables, trimmed to what the relay
// daemon's message/status workload actually uses.
type Config struct {
	Dir                string
	SyncWrites         bool
	ValueLogFileSize   int64
	BlockCacheSize     int64
	Compression        options.CompressionType
}

// DefaultConfig returns sane defaults for a local relay daemon.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:              dir,
		SyncWrites:       false,
		ValueLogFileSize: 1 << 27, // 128MB
		BlockCacheSize:   64 << 20,
		Compression:      options.Snappy,
	}
}

// Store implements daemon.Storage atop a BadgerDB instance.
type Store struct {
	db     *badger.DB
	config *Config
	mu     sync.RWMutex
	closed bool
}

// New constructs a badgerstore.Store. The database directory is created
// lazily by Init, not here, matching daemon.Storage's Init-then-use
// lifecycle (spec.md §6).
func New(config *Config) *Store {
	if config == nil {
		config = DefaultConfig("./data/badger")
	}
	return &Store{config: config}
}

type badgerLogger struct{}

func (badgerLogger) Errorf(string, ...interface{})   {}
func (badgerLogger) Warningf(string, ...interface{}) {}
func (badgerLogger) Infof(string, ...interface{})    {}
func (badgerLogger) Debugf(string, ...interface{})   {}

// Init opens the underlying BadgerDB, creating its directory if needed.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return fmt.Errorf("badgerstore: create dir: %w", err)
	}

	opts := badger.DefaultOptions(s.config.Dir)
	opts.SyncWrites = s.config.SyncWrites
	opts.ValueLogFileSize = s.config.ValueLogFileSize
	opts.BlockCacheSize = s.config.BlockCacheSize
	opts.Compression = s.config.Compression
	opts.Logger = badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("badgerstore: open: %w", err)
	}
	s.db = db
	return nil
}

func messageKey(env *envelope.Envelope) []byte {
	return []byte("msg:" + env.To + ":" + strconv.FormatInt(env.Ts, 10) + ":" + env.ID)
}

func statusKey(id string) []byte {
	return []byte("status:" + id)
}

// SaveMessage persists env under a recipient-prefixed, timestamp-ordered
// key so GetMessages can do a bounded prefix scan.
func (s *Store) SaveMessage(env *envelope.Envelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("badgerstore: store is closed")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(env), data)
	})
}

// GetMessages scans the recipient's message prefix and returns up to
// limit of the most recent envelopes, oldest first.
func (s *Store) GetMessages(recipient string, limit int) ([]*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("badgerstore: store is closed")
	}

	prefix := []byte("msg:" + recipient + ":")
	var all []*envelope.Envelope

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var env envelope.Envelope
			if err := json.Unmarshal(value, &env); err != nil {
				continue
			}
			all = append(all, &env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// UpdateMessageStatus records the latest delivery outcome for id.
// Best-effort: a write failure is swallowed per the storage contract's
// advisory nature (spec.md §6) rather than surfaced to the caller, since
// daemon.Storage's UpdateMessageStatus signature returns no error.
func (s *Store) UpdateMessageStatus(id string, status string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	_ = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statusKey(id), []byte(status))
	})
}

// Status returns the last recorded status for id, used by tests.
func (s *Store) Status(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false
	}
	var status string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statusKey(id))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		status = string(value)
		return nil
	})
	return status, err == nil
}

// Close flushes and closes the underlying BadgerDB.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.db.Close()
}
