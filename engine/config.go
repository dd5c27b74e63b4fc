package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/storage"
)

// OptionsFromConfig converts the YAML configuration into engine options.
// Invalid durations fall back to their defaults with a warning; unknown
// enum spellings are errors.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	ec := cfg.Engine
	syncMode, err := core.ParseWALSyncMode(ec.WAL.SyncMode)
	if err != nil {
		return Options{}, fmt.Errorf("engine.wal.sync_mode: %w", err)
	}
	compression, err := core.ParseCompressionType(ec.Storage.Compression)
	if err != nil {
		return Options{}, fmt.Errorf("engine.storage.compression: %w", err)
	}
	warm, err := cache.ParseWarmStrategy(ec.Cache.Warm.Strategy, ec.Cache.Warm.Keys, ec.Cache.Warm.Limit)
	if err != nil {
		return Options{}, fmt.Errorf("engine.cache.warm.strategy: %w", err)
	}

	opts := Options{
		DataDir: ec.DataDir,

		WALSyncMode:       syncMode,
		WALFlushInterval:  config.ParseDuration(ec.WAL.FlushInterval, 10*time.Millisecond, logger),
		WALMaxSegmentSize: ec.WAL.MaxSegmentSizeBytes,
		WALPreallocate:    ec.WAL.Preallocate,

		Compression:            compression,
		CompactionGarbageRatio: ec.Storage.CompactionGarbageRatio,
		CompactionInterval:     config.ParseDuration(ec.Storage.CompactionInterval, 0, logger),

		CacheMaxEntries:    ec.Cache.MaxEntries,
		CacheMaxBytes:      ec.Cache.MaxMemoryBytes,
		CacheShards:        ec.Cache.Shards,
		CacheDefaultTTL:    config.ParseDuration(ec.Cache.DefaultTTL, 0, logger),
		CacheSweepInterval: config.ParseDuration(ec.Cache.SweepInterval, 0, logger),
		Warm:               warm,
		WarmConcurrency:    ec.Cache.Warm.Concurrency,

		IndexDegree:       ec.Index.BTreeDegree,
		BuilderWorkers:    ec.Index.BuilderWorkers,
		BuilderRatePerSec: ec.Index.BuilderRatePerSec,

		CheckpointInterval: config.ParseDuration(ec.CheckpointInterval, 0, logger),
		TTLSweepInterval:   config.ParseDuration(ec.TTLSweepInterval, 0, logger),

		ResourceCheckInterval:  config.ParseDuration(ec.Resources.CheckInterval, 0, logger),
		MinFreeDiskBytes:       ec.Resources.MinFreeDiskBytes,
		MemoryPressurePercent:  ec.Cache.MemoryPressurePercent,
		MemoryHardLimitPercent: ec.Resources.MemoryHardLimitPercent,

		Replicas: cfg.Replication.Replicas,
		Logger:   logger,
	}
	if ec.Storage.EncryptionKeyFile != "" {
		c, err := storage.LoadXChaCha20Cipher(ec.Storage.EncryptionKeyFile)
		if err != nil {
			return Options{}, fmt.Errorf("engine.storage.encryption_key_file: %w", err)
		}
		opts.Cipher = c
	}
	if ec.MetricsPrefix != "" {
		opts.Metrics = NewEngineMetrics(true, ec.MetricsPrefix)
	}
	return opts, nil
}
