package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg, err := config.Load(strings.NewReader(`
engine:
  data_dir: /var/lib/nexusdoc
  checkpoint_interval: 2m
  ttl_sweep_interval: bogus
  wal:
    sync_mode: every_write
    flush_interval: ""
  cache:
    max_entries: 500
    warm:
      strategy: key_list
      keys: ["users/1", "users/2"]
      concurrency: 8
  storage:
    compression: lz4
  index:
    builder_rate_per_sec: 250
  resources:
    min_free_disk_bytes: 1024
replication:
  replicas: ["r1:7000"]
`))
	require.NoError(t, err)

	opts, err := OptionsFromConfig(cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/nexusdoc", opts.DataDir)
	assert.Equal(t, core.WALSyncEveryWrite, opts.WALSyncMode)
	assert.Equal(t, 10*time.Millisecond, opts.WALFlushInterval)
	assert.Equal(t, core.CompressionLZ4, opts.Compression)
	assert.Equal(t, 2*time.Minute, opts.CheckpointInterval)
	assert.Zero(t, opts.TTLSweepInterval, "invalid durations fall back to the default")
	assert.Equal(t, 500, opts.CacheMaxEntries)
	assert.Equal(t, 10*time.Minute, opts.CacheDefaultTTL, "unset fields keep the config defaults")
	assert.Equal(t, cache.WarmKeyList, opts.Warm.Kind)
	assert.Equal(t, []string{"users/1", "users/2"}, opts.Warm.Keys)
	assert.Equal(t, 8, opts.WarmConcurrency)
	assert.Equal(t, 250.0, opts.BuilderRatePerSec)
	assert.Equal(t, uint64(1024), opts.MinFreeDiskBytes)
	assert.Equal(t, []string{"r1:7000"}, opts.Replicas)
	assert.Nil(t, opts.Metrics)
	assert.Nil(t, opts.Cipher)
}

func TestOptionsFromConfig_EncryptionKeyFile(t *testing.T) {
	ctx := context.Background()
	keyFile := filepath.Join(t.TempDir(), "doc.key")
	require.NoError(t, os.WriteFile(keyFile, []byte(strings.Repeat("ab", 32)), 0o600))

	cfg := config.Default()
	cfg.Engine.DataDir = t.TempDir()
	cfg.Engine.Storage.EncryptionKeyFile = keyFile
	opts, err := OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, opts.Cipher)
	opts.ResourceProbe = &fakeProbe{memUsed: 10, free: 1 << 40}
	opts.WALSyncMode = core.WALSyncEveryWrite
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	e := openEngineForTest(t, opts)
	mustCreateCollection(t, e, "secrets", CollectionOptions{Encrypted: true})
	mustWrite(t, e, "secrets", "s1", map[string]any{"pin": "4242"})
	var refs []storage.EncryptedRef
	require.NoError(t, e.EncryptedRefs(ctx, "secrets", func(ref storage.EncryptedRef) error {
		refs = append(refs, ref)
		return nil
	}))
	require.Len(t, refs, 1)
	assert.NotContains(t, string(refs[0].Stored), "4242")

	crashEngine(t, e)
	e2 := openEngineForTest(t, opts)
	assert.Equal(t, "4242", fieldString(t, mustRead(t, e2, "secrets", "s1"), "pin"))
}

func TestOptionsFromConfig_RejectsUnknownEnums(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{name: "sync mode", mutate: func(cfg *config.Config) { cfg.Engine.WAL.SyncMode = "sometimes" }},
		{name: "compression", mutate: func(cfg *config.Config) { cfg.Engine.Storage.Compression = "brotli" }},
		{name: "warm strategy", mutate: func(cfg *config.Config) { cfg.Engine.Cache.Warm.Strategy = "everything" }},
		{name: "missing key file", mutate: func(cfg *config.Config) { cfg.Engine.Storage.EncryptionKeyFile = "/nonexistent/doc.key" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			_, err := OptionsFromConfig(cfg, nil)
			require.Error(t, err)
		})
	}
}
