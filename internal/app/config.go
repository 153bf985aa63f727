package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quorumkv/quorumkv/internal/storage"
)

// EngineType selects the storage engine backing the MVCC store.
type EngineType string

// Supported storage engines.
const (
	EngineTypeLSM  EngineType = "lsm"
	EngineTypeBolt EngineType = "bolt"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID     string
	EngineType EngineType
	LogLevel   string

	ClientAddr  string
	RaftAddr    string
	MetricsAddr string
	PprofAddr   string
	DataDir     string

	PeerAddrs []string

	// SnapshotEvery triggers a snapshot after this many applied commands.
	// Zero disables the counter trigger.
	SnapshotEvery uint64
	// SnapshotBytes triggers a snapshot once applied command payloads since
	// the last snapshot exceed this many bytes. Zero disables it.
	SnapshotBytes int64
	// GCInterval is the cadence of MVCC version garbage collection.
	GCInterval time.Duration

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// WALSync is the storage WAL fsync policy (every|batch).
	WALSync storage.SyncPolicy

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:             "node-1",
		EngineType:         EngineTypeLSM,
		LogLevel:           "info",
		ClientAddr:         ":7100",
		RaftAddr:           ":7200",
		DataDir:            "./var/node-1",
		GCInterval:         time.Minute,
		WALSync:            storage.SyncEvery,
		TracingServiceName: "quorumkv",
	}
}

// LoadConfigFromEnv loads config from environment variables.
//
// Supported vars:
// - APP_NODE_ID
// - APP_ENGINE (lsm|bolt)
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_CLIENT_ADDR
// - APP_RAFT_ADDR
// - APP_METRICS_ADDR (empty = disabled)
// - APP_PPROF_ADDR (empty = disabled)
// - APP_DATA_DIR
// - APP_PEERS (comma-separated "peer-id=host:port" entries)
// - APP_SNAPSHOT_EVERY (uint, 0 = disabled)
// - APP_SNAPSHOT_BYTES (int, 0 = disabled)
// - APP_GC_INTERVAL (duration)
// - APP_ELECTION_TIMEOUT_MIN / APP_ELECTION_TIMEOUT_MAX (durations)
// - APP_HEARTBEAT_INTERVAL (duration)
// - APP_WAL_SYNC (every|batch)
// - APP_TRACING_ENABLED (bool)
// - APP_TRACING_ENDPOINT
// - APP_TRACING_SERVICE_NAME
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("APP_NODE_ID")); v != "" {
		cfg.NodeID = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_ENGINE")); v != "" {
		cfg.EngineType = EngineType(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_CLIENT_ADDR")); v != "" {
		cfg.ClientAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RAFT_ADDR")); v != "" {
		cfg.RaftAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_PPROF_ADDR")); v != "" {
		cfg.PprofAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_PEERS")); v != "" {
		cfg.PeerAddrs = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_SNAPSHOT_EVERY")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_SNAPSHOT_EVERY %q: %w", v, err)
		}
		cfg.SnapshotEvery = n
	}
	if v := strings.TrimSpace(os.Getenv("APP_SNAPSHOT_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("app: invalid APP_SNAPSHOT_BYTES %q", v)
		}
		cfg.SnapshotBytes = n
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"APP_GC_INTERVAL", &cfg.GCInterval},
		{"APP_ELECTION_TIMEOUT_MIN", &cfg.ElectionTimeoutMin},
		{"APP_ELECTION_TIMEOUT_MAX", &cfg.ElectionTimeoutMax},
		{"APP_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
	} {
		if v := strings.TrimSpace(os.Getenv(d.env)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("app: invalid %s %q: %w", d.env, v, err)
			}
			*d.dst = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_WAL_SYNC")); v != "" {
		cfg.WALSync = storage.SyncPolicy(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.TracingEnabled = enabled
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENDPOINT")); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_SERVICE_NAME")); v != "" {
		cfg.TracingServiceName = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch c.EngineType {
	case EngineTypeLSM, EngineTypeBolt:
	default:
		return fmt.Errorf("app: unsupported engine %q", c.EngineType)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.ClientAddr) == "" {
		return fmt.Errorf("app: client addr is required")
	}
	if strings.TrimSpace(c.RaftAddr) == "" {
		return fmt.Errorf("app: raft addr is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("app: data dir is required")
	}
	switch c.WALSync {
	case storage.SyncEvery, storage.SyncBatch:
	default:
		return fmt.Errorf("app: unsupported wal sync policy %q", c.WALSync)
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	if min, max := c.ElectionTimeoutMin, c.ElectionTimeoutMax; (min == 0) != (max == 0) || min > max {
		return fmt.Errorf("app: election timeout range %v..%v is invalid", min, max)
	}
	return nil
}

// PeerAddrMap parses PeerAddrs into a map of peer-id -> address.
// Each entry is either "host:port" (peer ID equals address) or "peer-id=host:port".
func (c Config) PeerAddrMap() (map[string]string, error) {
	out := make(map[string]string, len(c.PeerAddrs))
	for _, raw := range c.PeerAddrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		id := raw
		addr := raw
		if left, right, ok := strings.Cut(raw, "="); ok {
			id = strings.TrimSpace(left)
			addr = strings.TrimSpace(right)
		}

		if id == "" || addr == "" {
			return nil, fmt.Errorf("app: invalid peer entry %q", raw)
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("app: duplicate peer id %q", id)
		}
		out[id] = addr
	}
	return out, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
