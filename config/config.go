package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"`      // "none", "every_write" or "periodic"
	FlushInterval       string `yaml:"flush_interval"` // group-commit interval for "periodic"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	Preallocate         bool   `yaml:"preallocate"`
}

// CacheWarmConfig selects what is loaded into the cache before the engine serves traffic.
type CacheWarmConfig struct {
	Strategy    string   `yaml:"strategy"` // "none", "recent_writes" or "key_list"
	Keys        []string `yaml:"keys"`     // "collection/id" entries for "key_list"
	Limit       int      `yaml:"limit"`
	Concurrency int      `yaml:"concurrency"`
}

// CacheConfig holds cache-specific configurations.
type CacheConfig struct {
	MaxEntries     int    `yaml:"max_entries"`
	MaxMemoryBytes int64  `yaml:"max_memory_bytes"`
	Shards         int    `yaml:"shards"`
	DefaultTTL     string `yaml:"default_ttl"`
	SweepInterval  string `yaml:"sweep_interval"`
	// MemoryPressurePercent is the system memory usage above which the cache is shrunk.
	MemoryPressurePercent float64         `yaml:"memory_pressure_percent"`
	Warm                  CacheWarmConfig `yaml:"warm"`
}

// StorageConfig holds persistent-layer configurations.
type StorageConfig struct {
	Compression            string  `yaml:"compression"`
	CompactionGarbageRatio float64 `yaml:"compaction_garbage_ratio"`
	CompactionInterval     string  `yaml:"compaction_interval"`
	// EncryptionKeyFile holds a hex-encoded 32-byte key for encrypted collections.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// IndexConfig holds secondary index configurations.
type IndexConfig struct {
	BTreeDegree       int     `yaml:"btree_degree"`
	BuilderWorkers    int     `yaml:"builder_workers"`
	BuilderRatePerSec float64 `yaml:"builder_rate_per_sec"`
}

// ResourceConfig holds the thresholds of the resource monitor.
type ResourceConfig struct {
	CheckInterval string `yaml:"check_interval"`
	// MinFreeDiskBytes refuses writes when the data volume has less free space.
	MinFreeDiskBytes uint64 `yaml:"min_free_disk_bytes"`
	// MemoryHardLimitPercent refuses writes above this system memory usage.
	MemoryHardLimitPercent float64 `yaml:"memory_hard_limit_percent"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir            string         `yaml:"data_dir"`
	CheckpointInterval string         `yaml:"checkpoint_interval"`
	TTLSweepInterval   string         `yaml:"ttl_sweep_interval"`
	WAL                WALConfig      `yaml:"wal"`
	Cache              CacheConfig    `yaml:"cache"`
	Storage            StorageConfig  `yaml:"storage"`
	Index              IndexConfig    `yaml:"index"`
	Resources          ResourceConfig `yaml:"resources"`
	// MetricsPrefix publishes engine metrics to the global expvar namespace when set.
	MetricsPrefix string `yaml:"metrics_prefix"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// ReplicationConfig lists the followers registered at startup. Only the
// addresses are validated; streaming is done by followers tailing the WAL.
type ReplicationConfig struct {
	Replicas []string `yaml:"replicas"`
}

// FieldRangeConfig bounds a numeric field of a collection on every write.
type FieldRangeConfig struct {
	Collection string  `yaml:"collection"`
	Field      string  `yaml:"field"`
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	Reject     bool    `yaml:"reject"`
}

// HooksConfig selects the built-in listeners registered by the server.
type HooksConfig struct {
	WriteAmplification bool               `yaml:"write_amplification"`
	UniqueAlerts       bool               `yaml:"unique_alerts"`
	FieldRanges        []FieldRangeConfig `yaml:"field_ranges"`
}

// Config is the top-level configuration struct.
type Config struct {
	Debug       DebugConfig       `yaml:"debug"`
	Hooks       HooksConfig       `yaml:"hooks"`
	Engine      EngineConfig      `yaml:"engine"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Replication ReplicationConfig `yaml:"replication"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:            "./data",
			CheckpointInterval: "60s",
			TTLSweepInterval:   "30s",
			WAL: WALConfig{
				SyncMode:            "periodic",
				FlushInterval:       "10ms",
				MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			},
			Cache: CacheConfig{
				MaxEntries:            100_000,
				MaxMemoryBytes:        256 * 1024 * 1024, // 256 MiB
				Shards:                16,
				DefaultTTL:            "10m",
				SweepInterval:         "30s",
				MemoryPressurePercent: 90,
				Warm: CacheWarmConfig{
					Strategy:    "recent_writes",
					Limit:       1000,
					Concurrency: 4,
				},
			},
			Storage: StorageConfig{
				Compression:            "snappy",
				CompactionGarbageRatio: 0.5,
				CompactionInterval:     "10m",
			},
			Index: IndexConfig{
				BTreeDegree:       32,
				BuilderWorkers:    2,
				BuilderRatePerSec: 0,
			},
			Resources: ResourceConfig{
				CheckInterval:          "5s",
				MinFreeDiskBytes:       64 * 1024 * 1024, // 64 MiB
				MemoryHardLimitPercent: 98,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusdoc.log",
		},
		Hooks: HooksConfig{
			WriteAmplification: true,
			UniqueAlerts:       true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "127.0.0.1:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that no engine option can represent.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir must not be empty")
	}
	if c.Engine.WAL.MaxSegmentSizeBytes < 0 {
		return fmt.Errorf("engine.wal.max_segment_size_bytes must not be negative")
	}
	if r := c.Engine.Storage.CompactionGarbageRatio; r < 0 || r > 1 {
		return fmt.Errorf("engine.storage.compaction_garbage_ratio must be within [0, 1], got %v", r)
	}
	if p := c.Engine.Cache.MemoryPressurePercent; p < 0 || p > 100 {
		return fmt.Errorf("engine.cache.memory_pressure_percent must be within [0, 100], got %v", p)
	}
	if p := c.Engine.Resources.MemoryHardLimitPercent; p < 0 || p > 100 {
		return fmt.Errorf("engine.resources.memory_hard_limit_percent must be within [0, 100], got %v", p)
	}
	for i, r := range c.Hooks.FieldRanges {
		if r.Collection == "" || r.Field == "" {
			return fmt.Errorf("hooks.field_ranges[%d]: collection and field are required", i)
		}
		if r.Min > r.Max {
			return fmt.Errorf("hooks.field_ranges[%d]: min %v exceeds max %v", i, r.Min, r.Max)
		}
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
