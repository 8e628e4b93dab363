// Command relayd is the agent-relay broker daemon (spec.md §1): it
// listens on a Unix socket, routes SEND/DELIVER traffic between
// connected agents, and carries the ambient stack (storage, cloud-sync,
// dead-letter archival, housekeeping) around that core. Grounded on
// ws/main.go's flag/automaxprocs/signal/Start/Shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/agent-relay/relay/internal/archive"
	"github.com/agent-relay/relay/internal/cloudsync"
	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/daemon"
	"github.com/agent-relay/relay/internal/envelope"
	"github.com/agent-relay/relay/internal/housekeeping"
	"github.com/agent-relay/relay/internal/logging"
	"github.com/agent-relay/relay/internal/storage/badgerstore"
	"github.com/agent-relay/relay/internal/storage/kafkastore"
	"github.com/agent-relay/relay/internal/storage/memstore"
	"github.com/agent-relay/relay/internal/wire"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: config error: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New("relayd", logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting relayd")

	store, err := buildStorage(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct storage backend")
	}

	archiver, err := archive.New(archive.Config{
		Dir:          cfg.ArchiveDir,
		MaxFilesKept: 0,
		S3Bucket:     cfg.ArchiveS3Bucket,
		S3Client:     buildS3Client(cfg),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct archiver")
	}

	// d is assigned below, after construction; the inbound callback only
	// fires once the daemon is running, so capturing it by reference here
	// is safe.
	var d *daemon.Daemon
	cloudClient, err := buildCloudSync(cfg, logger, func(targetAgent, from, body string, meta *envelope.PayloadMeta) {
		d.DeliverFromRemote(from, targetAgent, body, meta)
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct cloud-sync client")
	}

	opts := daemon.Options{
		SocketPath:         cfg.SocketPath(),
		PIDFilePath:        cfg.SocketPath() + ".pid",
		SnapshotDir:        cfg.StorageDir,
		WorkspaceID:        cfg.WorkspaceID,
		DebugHTTPAddr:      cfg.DebugHTTPAddr,
		Storage:            store,
		DeadLetter:         deadLetterAdapter{archiver: archiver},
		Logger:             logger,
		AckTimeout:         time.Duration(cfg.AckTimeoutMs) * time.Millisecond,
		MaxAttempts:        cfg.MaxAttempts,
		DeliveryTTL:        time.Duration(cfg.DeliveryTTLMs) * time.Millisecond,
		HeartbeatEvery:     time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		HelloTimeout:       time.Duration(cfg.HelloTimeoutMs) * time.Millisecond,
		DedupeCacheSize:    cfg.DedupeCacheSize,
		StateWriteInterval: time.Duration(cfg.StateWriteIntervalMs) * time.Millisecond,
		CloudSyncDebounce:  time.Duration(cfg.CloudSyncDebounceMs) * time.Millisecond,
		WireMode:           wire.ModeCurrent,
		WireCodec:          wire.CodecMsgpack,
	}
	// cloudClient is *cloudsync.Client; only set the interface fields when
	// it's genuinely non-nil, else a typed-nil pointer would satisfy both
	// interfaces and defeat the daemon's own nil checks.
	if cloudClient != nil {
		opts.CloudSync = cloudClient
		opts.CrossMachine = cloudClient
	}

	d = daemon.New(opts)

	if err := d.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start daemon")
	}

	house, err := housekeeping.New(housekeeping.Config{
		Archive:          archiver,
		Sessions:         d,
		ArchiveRetention: time.Duration(cfg.ArchiveRetentionHours) * time.Hour,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct housekeeping scheduler")
	}
	house.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down relayd")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	house.Stop(stopCtx)
	cancel()

	if err := d.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

func buildStorage(cfg *config.Config) (daemon.Storage, error) {
	switch cfg.StorageBackend {
	case "badger":
		return badgerstore.New(badgerstore.DefaultConfig(cfg.StorageDir)), nil
	case "kafka":
		brokers := splitCommaList(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("relayd: RELAY_KAFKA_BROKERS is required for the kafka storage backend")
		}
		return kafkastore.New(kafkastore.Config{Brokers: brokers, Topic: cfg.KafkaTopic}), nil
	default:
		return memstore.New(0), nil
	}
}

// buildCloudSync constructs a cloudsync.Client when RELAY_CLOUDSYNC_NATS_URL
// is configured, else returns nil (the daemon treats a nil CloudSync/
// CrossMachine as "disabled", per spec.md §4.6).
func buildCloudSync(cfg *config.Config, logger zerolog.Logger, onInboundSend cloudsync.InboundSendFunc) (*cloudsync.Client, error) {
	if cfg.NATSUrl == "" {
		return nil, nil
	}
	client, err := cloudsync.NewClient(cloudsync.Config{
		URL:         cfg.NATSUrl,
		WorkspaceID: cfg.WorkspaceID,
		DaemonID:    cfg.DaemonID,
		Logger:      logger,
	}, onInboundSend)
	if err != nil {
		return nil, fmt.Errorf("relayd: cloudsync: %w", err)
	}
	return client, nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func buildS3Client(cfg *config.Config) archive.Uploader {
	if cfg.ArchiveS3Bucket == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil
	}
	return s3.NewFromConfig(awsCfg)
}

// deadLetterAdapter bridges daemon.DeadLetterSink to archive.Archiver so
// internal/daemon never needs to import internal/archive directly.
type deadLetterAdapter struct {
	archiver *archive.Archiver
}

func (a deadLetterAdapter) Append(rec daemon.DeadLetterRecord) {
	a.archiver.Append(archive.Record{
		EnvelopeID: rec.EnvelopeID,
		Sender:     rec.Sender,
		Recipient:  rec.Recipient,
		Attempts:   rec.Attempts,
		DroppedAt:  rec.DroppedAt,
		Envelope:   rec.Envelope,
	})
}
