package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ServiceManager is responsible for managing all background goroutines
// of the engine: checkpointing, the TTL sweep, compaction and the resource
// monitor.
type ServiceManager struct {
	engine *Engine
	logger *slog.Logger
}

// NewServiceManager creates a new manager for background services.
func NewServiceManager(engine *Engine) *ServiceManager {
	return &ServiceManager{
		engine: engine,
		logger: engine.logger.With("component", "ServiceManager"),
	}
}

// Start starts all background services.
func (sm *ServiceManager) Start() {
	sm.logger.Info("Starting background services...")
	opts := sm.engine.opts
	if opts.CacheSweepInterval > 0 {
		sm.engine.cache.StartSweeper(opts.CacheSweepInterval)
	}
	sm.startLoop("checkpoint", opts.CheckpointInterval, func(ctx context.Context) {
		if err := sm.engine.checkWritable(); err != nil {
			return
		}
		if _, err := sm.engine.checkpoint(ctx); err != nil {
			sm.logger.Error("Error during periodic checkpoint.", "error", err)
		}
	})
	sm.startLoop("ttl_sweep", opts.TTLSweepInterval, func(ctx context.Context) {
		if _, err := sm.engine.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sm.logger.Warn("TTL sweep stopped early.", "error", err)
		}
	})
	sm.startLoop("compaction", opts.CompactionInterval, func(ctx context.Context) {
		if _, err := sm.engine.Compact(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
			sm.logger.Error("Error during periodic compaction.", "error", err)
		}
	})
	sm.startLoop("resource_monitor", opts.ResourceCheckInterval, func(context.Context) {
		sm.engine.checkResources()
	})
}

// Stop signals all background services to shut down and waits for them to complete.
func (sm *ServiceManager) Stop() {
	sm.logger.Info("Stopping background services...")
	func() {
		defer func() {
			if r := recover(); r != nil {
				sm.logger.Warn("Shutdown channel was already closed.", "recover_info", r)
			}
		}()
		close(sm.engine.shutdownChan)
	}()
	sm.engine.wg.Wait()
	sm.logger.Info("All background services stopped.")
}

// startLoop runs fn every interval until shutdown. A non-positive interval
// disables the loop. The context passed to fn is cancelled on shutdown so a
// long sweep or compaction does not hold up Close.
func (sm *ServiceManager) startLoop(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		sm.logger.Info("Background loop disabled.", "loop", name)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sm.engine.wg.Add(1)
	go func() {
		defer sm.engine.wg.Done()
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sm.logger.Info("Background loop enabled.", "loop", name, "interval", interval)

		go func() {
			<-sm.engine.shutdownChan
			cancel()
		}()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-sm.engine.shutdownChan:
				sm.logger.Info("Background loop shutting down.", "loop", name)
				return
			}
		}
	}()
}
