package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/storage"
	"go.opentelemetry.io/otel/trace"
)

// WriteStrategy decides what a committed write does to the cache.
type WriteStrategy uint8

const (
	// WriteThrough replaces the cache entry with the committed document.
	WriteThrough WriteStrategy = iota
	// WriteAround only invalidates; the next read repopulates.
	WriteAround
)

func (s WriteStrategy) String() string {
	if s == WriteAround {
		return "write_around"
	}
	return "write_through"
}

// ParseWriteStrategy maps the config spelling to a strategy.
func ParseWriteStrategy(s string) (WriteStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "write_through", "through":
		return WriteThrough, nil
	case "write_around", "around":
		return WriteAround, nil
	}
	return 0, fmt.Errorf("unknown write strategy %q", s)
}

func (s WriteStrategy) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *WriteStrategy) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ParseWriteStrategy(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CollectionOptions are fixed when a collection is created and persisted in
// the catalog.
type CollectionOptions struct {
	Strategy WriteStrategy `json:"strategy"`
	// CacheTTL bounds how long a document stays cached. Zero uses the cache
	// default, cache.NoExpiry keeps entries until evicted.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
	// Encrypted stores documents sealed by Options.Cipher.
	Encrypted bool `json:"encrypted,omitempty"`
	// DocumentTTL sets ExpiresAt on written documents that carry none.
	DocumentTTL time.Duration `json:"document_ttl,omitempty"`
}

func (o CollectionOptions) storage() storage.CollectionOptions {
	return storage.CollectionOptions{Encrypted: o.Encrypted}
}

// DeleteOptions tune Delete.
type DeleteOptions struct {
	// MustExist turns a delete of a missing document into core.ErrKeyNotFound.
	MustExist bool
}

// Options configures an Engine. Zero values take the defaults below.
type Options struct {
	DataDir string

	WALSyncMode       core.WALSyncMode
	WALFlushInterval  time.Duration
	WALMaxSegmentSize int64
	WALPreallocate    bool

	Compression            core.CompressionType
	CompactionGarbageRatio float64
	// CompactionInterval runs Compact on every collection; zero disables the loop.
	CompactionInterval time.Duration
	// Cipher is required to open encrypted collections.
	Cipher storage.Cipher

	CacheMaxEntries    int
	CacheMaxBytes      int64
	CacheShards        int
	CacheDefaultTTL    time.Duration
	CacheSweepInterval time.Duration
	// Warm runs before Open returns.
	Warm            cache.WarmStrategy
	WarmConcurrency int

	IndexDegree       int
	BuilderWorkers    int
	BuilderRatePerSec float64

	// CheckpointInterval and TTLSweepInterval drive background loops; zero disables them.
	CheckpointInterval time.Duration
	TTLSweepInterval   time.Duration

	// ResourceCheckInterval drives the resource monitor; zero disables the loop
	// but the thresholds are still checked once at startup.
	ResourceCheckInterval time.Duration
	MinFreeDiskBytes      uint64
	// MemoryPressurePercent shrinks the cache, MemoryHardLimitPercent refuses writes.
	MemoryPressurePercent  float64
	MemoryHardLimitPercent float64
	// ResourceProbe reads system memory and disk; defaults to gopsutil.
	ResourceProbe ResourceProbe

	// LockStripes is the number of per-document lock stripes. Default 256.
	LockStripes int

	// Replicas are registered at startup.
	Replicas []string

	Metrics        *EngineMetrics
	Logger         *slog.Logger
	Clock          core.Clock
	TracerProvider trace.TracerProvider
	// HookManager lets callers register listeners before Open runs recovery.
	HookManager hooks.HookManager
}

const (
	defaultLockStripes     = 256
	defaultWarmConcurrency = 4
)

func (o Options) withDefaults() Options {
	if o.WALSyncMode == "" {
		o.WALSyncMode = core.WALSyncPeriodic
	}
	if o.CacheShards <= 0 {
		o.CacheShards = 16
	}
	if o.IndexDegree <= 0 {
		o.IndexDegree = 32
	}
	if o.BuilderWorkers <= 0 {
		o.BuilderWorkers = 1
	}
	if o.WarmConcurrency <= 0 {
		o.WarmConcurrency = defaultWarmConcurrency
	}
	if o.LockStripes <= 0 {
		o.LockStripes = defaultLockStripes
	}
	if o.Clock == nil {
		o.Clock = core.SystemClock()
	}
	if o.ResourceProbe == nil {
		o.ResourceProbe = systemProbe{}
	}
	return o
}
