// Package kafkastore is a durable daemon.Storage backend that appends
// saved messages to a Kafka/Redpanda topic and replays GetMessages from
// stored offsets. Grounded on
// _examples/adred-codev-ws_poc/ws/kafka/consumer.go's franz-go client
// wiring (kgo.NewClient option chain, PollFetches consume loop,
// EachRecord processing, processed/failed counters), adapted from a
// fan-out broadcaster into a recipient-keyed append log with read-back.
package kafkastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/agent-relay/relay/internal/envelope"
)

// Config configures the kafkastore backend.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Logger        zerolog.Logger
}

// Store persists messages to a Kafka topic keyed by recipient, and
// serves GetMessages from an in-memory index built by replaying the
// topic on Init (the index keeps every replayed record and is never
// trimmed; the daemon's own registry snapshot, not this store, is
// authoritative for "online" state).
type Store struct {
	cfg Config

	producer *kgo.Client
	consumer *kgo.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	inbox map[string][]*envelope.Envelope
	status map[string]string

	messagesProcessed uint64
	messagesFailed    uint64

	closed bool
}

// New constructs a kafkastore.Store. Brokers/Topic are required.
func New(cfg Config) *Store {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "relay-daemon"
	}
	return &Store{
		cfg:    cfg,
		inbox:  make(map[string][]*envelope.Envelope),
		status: make(map[string]string),
	}
}

// Init dials the producer and consumer clients and starts the replay
// consume loop.
func (s *Store) Init() error {
	if len(s.cfg.Brokers) == 0 {
		return fmt.Errorf("kafkastore: at least one broker is required")
	}
	if s.cfg.Topic == "" {
		return fmt.Errorf("kafkastore: topic is required")
	}

	producer, err := kgo.NewClient(kgo.SeedBrokers(s.cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("kafkastore: producer client: %w", err)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumerGroup(s.cfg.ConsumerGroup),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			s.cfg.Logger.Info().Interface("partitions", assigned).Msg("kafkastore partitions assigned")
		}),
	)
	if err != nil {
		producer.Close()
		return fmt.Errorf("kafkastore: consumer client: %w", err)
	}

	s.producer = producer
	s.consumer = consumer
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.consumeLoop()

	return nil
}

func (s *Store) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			fetches := s.consumer.PollFetches(s.ctx)
			if s.ctx.Err() != nil {
				return
			}
			for _, err := range fetches.Errors() {
				s.cfg.Logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafkastore fetch error")
			}
			fetches.EachRecord(func(record *kgo.Record) {
				s.processRecord(record)
			})
		}
	}
}

func (s *Store) processRecord(record *kgo.Record) {
	var env envelope.Envelope
	if err := json.Unmarshal(record.Value, &env); err != nil {
		s.cfg.Logger.Error().Err(err).Str("topic", record.Topic).Msg("kafkastore failed to unmarshal record")
		s.mu.Lock()
		s.messagesFailed++
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.inbox[env.To] = append(s.inbox[env.To], &env)
	s.messagesProcessed++
	s.mu.Unlock()
}

// SaveMessage appends env to the configured topic, keyed by recipient
// for consumer-side partitioning affinity.
func (s *Store) SaveMessage(env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	record := &kgo.Record{Topic: s.cfg.Topic, Key: []byte(env.To), Value: data}
	result := s.producer.ProduceSync(s.ctx, record)
	return result.FirstErr()
}

// GetMessages returns up to limit of the most recently replayed
// messages for recipient, oldest first.
func (s *Store) GetMessages(recipient string, limit int) ([]*envelope.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.inbox[recipient]
	if limit <= 0 || limit >= len(all) {
		out := make([]*envelope.Envelope, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]*envelope.Envelope, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// UpdateMessageStatus records a delivery outcome locally; statuses are
// not republished to the topic since they are ephemeral tracker state,
// not durable message history.
func (s *Store) UpdateMessageStatus(id string, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = status
}

// Metrics returns the running processed/failed record counts.
func (s *Store) Metrics() (processed, failed uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messagesProcessed, s.messagesFailed
}

// Close stops the consume loop and closes both clients.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.producer != nil {
		s.producer.Close()
	}
	return nil
}
