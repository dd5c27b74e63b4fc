package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdoc/cache"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/index"
	"github.com/INLOpen/nexusdoc/snapshot"
	"github.com/INLOpen/nexusdoc/storage"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/INLOpen/nexusdoc/wal"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEngineClosed    = errors.New("engine is closed or not started")
	ErrReplicaExists   = errors.New("replica already registered")
	ErrReplicaNotFound = errors.New("replica not registered")
)

const (
	snapshotsDirName = "snapshots"
	lockRetries      = 3
	lockRetryDelay   = 100 * time.Millisecond
)

// Engine is the hybrid storage engine. Every mutation is appended to the WAL,
// made durable, applied to the store, reflected in the collection's indexes
// and finally in the cache, in that order.
type Engine struct {
	opts        Options
	logger      *slog.Logger
	clock       core.Clock
	tracer      trace.Tracer
	hookManager hooks.HookManager
	metrics     *EngineMetrics

	releaseLock func() error
	wal         *wal.WAL
	store       *storage.Store
	cache       *cache.Cache
	builder     *index.Builder
	snapshots   *snapshot.Manager
	locks       *lockTable

	// commitMu is held shared by every mutation from WAL append to apply and
	// exclusively by operations that need a quiescent commit point.
	commitMu       sync.RWMutex
	checkpointMu   sync.Mutex
	lastCheckpoint core.Checkpoint

	// ddlMu serializes collection and index definition changes.
	ddlMu          sync.Mutex
	catalogMu      sync.RWMutex
	catalogWriteMu sync.Mutex
	collections    map[string]*collectionState

	degradedMu sync.RWMutex
	degraded   error
	diskFull   atomic.Bool
	memoryHard atomic.Bool

	replicasMu sync.RWMutex
	replicas   map[string]ReplicaInfo

	stateLoader    *StateLoader
	serviceManager *ServiceManager
	isStarted      atomic.Bool
	isClosing      atomic.Bool
	shutdownChan   chan struct{}
	wg             sync.WaitGroup
}

// Open recovers the engine state in opts.DataDir and starts the background
// services. It returns once the WAL has been replayed, indexes rebuilt and
// the cache warmed.
func Open(opts Options) (*Engine, error) {
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	if err := e.start(); err != nil {
		e.cleanup()
		return nil, err
	}
	return e, nil
}

func newEngine(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory must be specified")
	}
	opts = opts.withDefaults()

	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.Default().With("component", "Engine_default")
	} else {
		logger = opts.Logger.With("component", "Engine")
	}
	opts.Logger = logger

	e := &Engine{
		opts:         opts,
		logger:       logger,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		hookManager:  opts.HookManager,
		locks:        newLockTable(opts.LockStripes),
		collections:  make(map[string]*collectionState),
		replicas:     make(map[string]ReplicaInfo),
		shutdownChan: make(chan struct{}),
	}
	if e.metrics == nil {
		e.metrics = NewEngineMetrics(false, "")
	}
	if e.hookManager == nil {
		e.hookManager = hooks.NewHookManager(logger.With("component", "HookManager"))
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusdoc/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	e.cache = cache.New(cache.Options{
		Shards:     opts.CacheShards,
		MaxEntries: opts.CacheMaxEntries,
		MaxBytes:   opts.CacheMaxBytes,
		DefaultTTL: opts.CacheDefaultTTL,
		Clock:      opts.Clock,
		OnHit: func(key string) {
			e.hookManager.Trigger(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{Key: key}))
		},
		OnMiss: func(key string) {
			e.hookManager.Trigger(context.Background(), hooks.NewOnCacheMissEvent(hooks.CachePayload{Key: key}))
		},
		OnEvict: func(key string, _ cache.Value, reason cache.EvictReason) {
			if reason == cache.EvictInvalidated {
				return
			}
			e.hookManager.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CachePayload{Key: key}))
		},
		Hits:      e.metrics.CacheHits,
		Misses:    e.metrics.CacheMisses,
		Evictions: e.metrics.CacheEvictions,
		Logger:    logger,
	})
	e.builder = index.NewBuilder(index.BuilderOptions{
		Workers:     opts.BuilderWorkers,
		RatePerSec:  opts.BuilderRatePerSec,
		Logger:      logger,
		HookManager: e.hookManager,
		Builds:      e.metrics.IndexBuildsTotal,
	})
	e.snapshots = snapshot.NewManager(snapshot.ManagerOptions{
		Dir:    filepath.Join(opts.DataDir, snapshotsDirName),
		Logger: logger,
		Clock:  opts.Clock,
		Tracer: e.tracer,
	})
	e.stateLoader = NewStateLoader(e)
	e.serviceManager = NewServiceManager(e)
	return e, nil
}

func (e *Engine) start() error {
	lifecycle := hooks.EngineLifecyclePayload{DataDir: e.opts.DataDir}
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreStartEngineEvent(lifecycle)); err != nil {
		return fmt.Errorf("engine start cancelled by pre-hook: %w", err)
	}
	if err := e.initializeDirectories(); err != nil {
		return err
	}
	release, err := sys.AcquireFileLock(filepath.Join(e.opts.DataDir, core.LockFileName), lockRetries, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock data directory %s: %w", e.opts.DataDir, err)
	}
	e.releaseLock = release

	if err := e.stateLoader.Load(); err != nil {
		e.logger.Error("Failed to load engine state.", "error", err)
		return err
	}

	for _, addr := range e.opts.Replicas {
		if err := e.addReplica(addr); err != nil && !errors.Is(err, ErrReplicaExists) {
			return fmt.Errorf("invalid replica %q: %w", addr, err)
		}
	}

	e.checkResources()
	if e.opts.Warm.Kind != cache.WarmNone {
		if _, err := e.warm(context.Background(), e.opts.Warm); err != nil {
			e.logger.Warn("Cache warming failed, continuing with a cold cache", "error", err)
		}
	}

	e.serviceManager.Start()
	e.isStarted.Store(true)
	e.logger.Info("Engine started.", "data_dir", e.opts.DataDir, "collections", len(e.collections), "next_seq", e.wal.NextSeq())
	e.hookManager.Trigger(context.Background(), hooks.NewPostStartEngineEvent(lifecycle))
	return nil
}

func (e *Engine) initializeDirectories() error {
	info, err := os.Stat(e.opts.DataDir)
	if err == nil && !info.IsDir() {
		return fmt.Errorf("data directory %s exists but is not a directory", e.opts.DataDir)
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat data directory %s: %w", e.opts.DataDir, err)
	}
	for _, dir := range []string{e.opts.DataDir, filepath.Join(e.opts.DataDir, snapshotsDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// cleanup releases whatever a failed start managed to open.
func (e *Engine) cleanup() {
	e.logger.Info("Cleaning up engine resources after initialization failure...")
	e.builder.Close()
	e.cache.Close()
	if e.wal != nil {
		e.wal.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.releaseLock != nil {
		e.releaseLock()
	}
}

// Close stops the background services, writes a final checkpoint and
// releases the data directory.
func (e *Engine) Close() error {
	if !e.isStarted.Load() {
		e.logger.Info("Close called on a non-running or already closed engine.")
		return nil
	}
	lifecycle := hooks.EngineLifecyclePayload{DataDir: e.opts.DataDir}
	if err := e.hookManager.Trigger(context.Background(), hooks.NewPreCloseEngineEvent(lifecycle)); err != nil {
		return fmt.Errorf("engine close cancelled by pre-hook: %w", err)
	}
	if !e.isClosing.CompareAndSwap(false, true) {
		e.logger.Info("Close operation already in progress.")
		return nil
	}

	e.serviceManager.Stop()
	// interrupted builds stay Building and are rebuilt on the next start
	e.builder.Close()

	var closeErr error
	if e.degradedErr() == nil {
		if _, err := e.checkpoint(context.Background()); err != nil {
			e.logger.Error("Failed to write final checkpoint during close.", "error", err)
			closeErr = errors.Join(closeErr, err)
		}
	}
	if err := e.wal.Close(); err != nil && !errors.Is(err, wal.ErrClosed) {
		closeErr = errors.Join(closeErr, fmt.Errorf("failed to close wal: %w", err))
	}
	if err := e.store.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("failed to close store: %w", err))
	}
	e.cache.Close()
	if e.releaseLock != nil {
		closeErr = errors.Join(closeErr, e.releaseLock())
	}

	e.isStarted.Store(false)
	e.hookManager.Trigger(context.Background(), hooks.NewPostCloseEngineEvent(lifecycle))
	e.hookManager.Stop()
	if closeErr != nil {
		return fmt.Errorf("errors during close: %w", closeErr)
	}
	e.logger.Info("Shutdown complete.")
	return nil
}

func (e *Engine) checkStarted() error {
	if !e.isStarted.Load() || e.isClosing.Load() {
		return ErrEngineClosed
	}
	return nil
}

// checkWritable refuses mutations while the engine is degraded or short of
// resources. Reads are never refused.
func (e *Engine) checkWritable() error {
	if err := e.degradedErr(); err != nil {
		return fmt.Errorf("%w: %w", core.ErrEngineDegraded, err)
	}
	if e.diskFull.Load() {
		return fmt.Errorf("%w: free space below %d bytes", core.ErrDiskFull, e.opts.MinFreeDiskBytes)
	}
	if e.memoryHard.Load() {
		return fmt.Errorf("%w: system memory above %.0f%%", core.ErrOutOfMemory, e.opts.MemoryHardLimitPercent)
	}
	return nil
}

func (e *Engine) degradedErr() error {
	e.degradedMu.RLock()
	defer e.degradedMu.RUnlock()
	return e.degraded
}

// markDegraded records the first durability failure. Writes stay refused
// until ClearDegraded succeeds.
func (e *Engine) markDegraded(cause error) {
	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()
	if e.degraded != nil {
		return
	}
	e.degraded = cause
	e.metrics.Degraded.Set(1)
	e.logger.Error("Engine degraded, refusing writes until cleared", "error", cause)
}

// walFailure turns an error from the WAL into the error returned to a writer
// and flips the engine to degraded for I/O failures.
func (e *Engine) walFailure(err error) error {
	if !errors.Is(err, core.ErrWALIOFailure) {
		return err
	}
	e.markDegraded(err)
	if sys.IsDiskFull(err) {
		return fmt.Errorf("%w: %w", core.ErrDiskFull, err)
	}
	return fmt.Errorf("%w: %w", core.ErrEngineDegraded, err)
}

// Degraded returns the failure that put the engine in degraded mode, or nil.
func (e *Engine) Degraded() error { return e.degradedErr() }

// ClearDegraded is the operator intervention after a WAL I/O failure. The
// WAL drops entries that never became durable and resumes on a new segment.
func (e *Engine) ClearDegraded() error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()
	if e.degraded == nil {
		return nil
	}
	if err := e.wal.ResetFailure(); err != nil {
		return fmt.Errorf("failed to clear degraded state: %w", err)
	}
	e.logger.Warn("Degraded state cleared", "previous_error", e.degraded)
	e.degraded = nil
	e.metrics.Degraded.Set(0)
	return nil
}

func (e *Engine) collection(name string) (*collectionState, error) {
	e.catalogMu.RLock()
	cs := e.collections[name]
	e.catalogMu.RUnlock()
	if cs == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrCollectionNotFound, name)
	}
	return cs, nil
}

// Metrics returns the engine's expvar set.
func (e *Engine) Metrics() *EngineMetrics { return e.metrics }

// HookManager returns the manager listeners can be registered with.
func (e *Engine) HookManager() hooks.HookManager { return e.hookManager }

// DataDir returns the directory the engine owns.
func (e *Engine) DataDir() string { return e.opts.DataDir }

func cacheKey(collection, id string) string { return collection + "/" + id }

func recordSpanError(span trace.Span, err error, status string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
}
