// Package config loads daemon and orchestrator configuration from
// environment variables and an optional .env file, the way
// ws/config.go's LoadConfig does: godotenv.Load() is best-effort, then
// caarlos0/env populates a tagged struct with defaults, then Validate
// rejects nonsensical combinations.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration recognized by the core (spec.md §6).
type Config struct {
	Socket       string `env:"RELAY_SOCKET" envDefault:"/tmp/agent-relay.sock"`
	AgentName    string `env:"RELAY_AGENT_NAME"`
	WorkspaceID  string `env:"WORKSPACE_ID"`
	SpawnerURL   string `env:"AGENT_RELAY_SPAWNER"`
	MaxAgents    int    `env:"MAX_AGENTS" envDefault:"0"`
	DebugSpawn   bool   `env:"DEBUG_SPAWN" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	AckTimeoutMs    int `env:"RELAY_ACK_TIMEOUT_MS" envDefault:"10000"`
	MaxAttempts     int `env:"RELAY_MAX_ATTEMPTS" envDefault:"3"`
	DeliveryTTLMs   int `env:"RELAY_DELIVERY_TTL_MS" envDefault:"60000"`
	MaxInflight     int `env:"RELAY_MAX_INFLIGHT" envDefault:"256"`
	DedupeCacheSize int `env:"RELAY_DEDUPE_CACHE_SIZE" envDefault:"2000"`
	HeartbeatMs     int `env:"RELAY_HEARTBEAT_MS" envDefault:"30000"`
	HelloTimeoutMs  int `env:"RELAY_HELLO_TIMEOUT_MS" envDefault:"5000"`

	StateWriteIntervalMs  int `env:"RELAY_STATE_WRITE_INTERVAL_MS" envDefault:"500"`
	CloudSyncDebounceMs   int `env:"RELAY_CLOUD_SYNC_DEBOUNCE_MS" envDefault:"1000"`

	DebugHTTPAddr string `env:"RELAY_DEBUG_HTTP_ADDR" envDefault:""`

	StorageBackend string `env:"RELAY_STORAGE_BACKEND" envDefault:"memory"` // memory|badger|kafka
	StorageDir     string `env:"RELAY_STORAGE_DIR" envDefault:"/tmp/agent-relay/storage"`
	KafkaBrokers   string `env:"RELAY_KAFKA_BROKERS" envDefault:""`
	KafkaTopic     string `env:"RELAY_KAFKA_TOPIC" envDefault:"relay-messages"`

	NATSUrl  string `env:"RELAY_CLOUDSYNC_NATS_URL" envDefault:""`
	DaemonID string `env:"RELAY_DAEMON_ID" envDefault:""`

	ArchiveDir     string `env:"RELAY_ARCHIVE_DIR" envDefault:"/tmp/agent-relay/archive"`
	ArchiveS3Bucket string `env:"RELAY_ARCHIVE_S3_BUCKET" envDefault:""`
	ArchiveRetentionHours int `env:"RELAY_ARCHIVE_RETENTION_HOURS" envDefault:"168"`

	// PTY orchestrator (cmd/relay-pty) settings.
	CLI              string `env:"RELAY_CLI"`
	CLIArgs          string `env:"RELAY_CLI_ARGS" envDefault:""`
	WorkspaceDir     string `env:"WORKSPACE_DIR" envDefault:"."`
	NativeBinary     string `env:"RELAY_PTY_NATIVE_BINARY" envDefault:""`
	IdleTimeoutMs    int    `env:"RELAY_IDLE_TIMEOUT_MS" envDefault:"2000"`
	DashboardPort    int    `env:"RELAY_DASHBOARD_PORT" envDefault:"0"`
	PromptCues       string `env:"RELAY_PROMPT_CUES" envDefault:""`
}

// Load reads configuration from .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.DaemonID == "" {
		host, _ := os.Hostname()
		cfg.DaemonID = host + "-" + uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate rejects configuration combinations that cannot be acted on.
func (c *Config) Validate() error {
	if c.AckTimeoutMs <= 0 {
		return fmt.Errorf("ack timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.DeliveryTTLMs <= 0 {
		return fmt.Errorf("delivery ttl must be positive")
	}
	if c.DedupeCacheSize <= 0 {
		return fmt.Errorf("dedupe cache size must be positive")
	}
	return nil
}

// SocketPath resolves the daemon's listen socket path, namespacing it
// under the workspace id when one is configured, per spec.md §6.
func (c *Config) SocketPath() string {
	if c.WorkspaceID == "" {
		return c.Socket
	}
	return NamespacedSocketPath(c.WorkspaceID, "daemon")
}
