package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Checkpoint makes every applied write durable in the data files, records
// the position in the checkpoint file and purges the WAL segments it covers.
func (e *Engine) Checkpoint(ctx context.Context) (core.Checkpoint, error) {
	if err := e.checkStarted(); err != nil {
		return core.Checkpoint{}, err
	}
	return e.checkpoint(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) (core.Checkpoint, error) {
	e.commitMu.Lock()
	target, err := e.sealLocked()
	e.commitMu.Unlock()
	if err != nil {
		return core.Checkpoint{}, err
	}
	return e.persistCheckpoint(ctx, target)
}

// checkpointLocked is checkpoint for callers already holding commitMu exclusively.
func (e *Engine) checkpointLocked(ctx context.Context) (core.Checkpoint, error) {
	target, err := e.sealLocked()
	if err != nil {
		return core.Checkpoint{}, err
	}
	return e.persistCheckpoint(ctx, target)
}

// sealLocked picks the checkpoint target while no mutation is in flight and
// rotates the WAL so the segment holding it can be purged. Entries past the
// durability point are never applied, so the target stops there.
func (e *Engine) sealLocked() (uint64, error) {
	target := min(e.wal.LastSeq(), e.wal.DurabilityPoint())
	e.checkpointMu.Lock()
	last := e.lastCheckpoint.AppliedSeq
	e.checkpointMu.Unlock()
	if target > last && e.wal.Err() == nil {
		if err := e.wal.Rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate WAL for checkpoint: %w", err)
		}
	}
	return target, nil
}

func (e *Engine) persistCheckpoint(ctx context.Context, target uint64) (core.Checkpoint, error) {
	_, span := e.tracer.Start(ctx, "Engine.Checkpoint")
	defer span.End()
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	if target < e.lastCheckpoint.AppliedSeq {
		// a newer checkpoint won the race
		return e.lastCheckpoint, nil
	}

	if err := e.store.Sync(); err != nil {
		recordSpanError(span, err, "storage_sync_failed")
		return core.Checkpoint{}, fmt.Errorf("failed to sync data files: %w", err)
	}
	cp := core.Checkpoint{AppliedSeq: target, LastSafeSegmentIndex: e.wal.SafeSegment(target)}
	if err := checkpoint.Write(e.opts.DataDir, cp); err != nil {
		recordSpanError(span, err, "checkpoint_write_failed")
		return core.Checkpoint{}, err
	}
	e.lastCheckpoint = cp
	e.metrics.CheckpointsTotal.Add(1)

	purged, err := e.wal.Purge(cp.LastSafeSegmentIndex)
	e.metrics.WALSegmentsPurgedTotal.Add(int64(purged))
	if err != nil {
		// the checkpoint stands; leftover segments are skipped on replay
		e.logger.Warn("Failed to purge WAL segments after checkpoint", "up_to_segment", cp.LastSafeSegmentIndex, "error", err)
	}
	span.SetAttributes(
		attribute.Int64("checkpoint.applied_seq", int64(cp.AppliedSeq)),
		attribute.Int64("checkpoint.safe_segment", int64(cp.LastSafeSegmentIndex)),
		attribute.Int("checkpoint.purged_segments", purged),
	)
	e.logger.Debug("Checkpoint written", "applied_seq", cp.AppliedSeq, "safe_segment", cp.LastSafeSegmentIndex, "purged_segments", purged)
	e.hookManager.Trigger(ctx, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{Checkpoint: cp, PurgedSegments: purged}))
	return cp, nil
}

// Compact rewrites the data files of the named collections (all when none
// are given) whose garbage ratio exceeds the configured threshold, or
// unconditionally with force.
func (e *Engine) Compact(ctx context.Context, force bool, collections ...string) ([]storage.CompactionResult, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Compact")
	defer span.End()
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		collections = e.Collections()
	}
	var (
		results []storage.CompactionResult
		errs    []error
	)
	for _, name := range collections {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if _, err := e.collection(name); err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := e.store.Compact(ctx, name, force)
		if err != nil {
			e.metrics.CompactionErrorsTotal.Add(1)
			e.logger.Error("Compaction failed", "collection", name, "error", err)
			errs = append(errs, fmt.Errorf("compact %s: %w", name, err))
			continue
		}
		results = append(results, res)
		if res.Skipped {
			continue
		}
		e.metrics.CompactionTotal.Add(1)
		span.AddEvent("compacted", trace.WithAttributes(
			attribute.String("db.collection", res.Collection),
			attribute.Int64("compaction.bytes_written", res.BytesWritten),
		))
	}
	err := errors.Join(errs...)
	if err != nil {
		recordSpanError(span, err, "compaction_failed")
	}
	return results, err
}

// SweepExpired deletes every document whose expiry has passed through the
// normal delete path and returns how many were removed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SweepExpired")
	defer span.End()
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	start := time.Now()
	removed := 0
	for _, name := range e.Collections() {
		var expired []string
		now := e.clock.Now()
		it, err := e.store.Scan(name)
		if err != nil {
			if errors.Is(err, core.ErrCollectionNotFound) {
				continue
			}
			return removed, err
		}
		for it.Next() {
			if doc := it.Document(); doc.Expired(now) {
				expired = append(expired, doc.ID)
			}
		}
		err = it.Err()
		it.Close()
		if err != nil {
			return removed, err
		}
		for _, id := range expired {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			_, deleted, err := e.deleteDoc(ctx, name, id, true)
			if err != nil {
				if errors.Is(err, core.ErrCollectionNotFound) {
					break
				}
				return removed, err
			}
			if deleted {
				removed++
			}
		}
	}
	e.cache.SweepExpired()
	span.SetAttributes(attribute.Int("ttl.removed", removed))
	if removed > 0 {
		e.logger.Info("Expired documents removed", "count", removed, "duration", time.Since(start))
	}
	return removed, nil
}
