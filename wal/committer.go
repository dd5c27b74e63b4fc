package wal

import "time"

// runCommitter is the group-commit loop for WALSyncPeriodic. Each tick it
// fsyncs whatever has been appended since the last tick and releases every
// WaitDurable caller covered by that sync in one step.
func (w *WAL) runCommitter(stop <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.commit()
		}
	}
}

// commit flushes under the lock but fsyncs outside it, so appends keep going
// while the sync runs. The durability point then moves only to what was
// flushed before the sync started.
func (w *WAL) commit() {
	w.mu.Lock()
	if w.closed || w.failed != nil || w.written <= w.durable {
		w.mu.Unlock()
		return
	}
	seg := w.active
	if err := seg.flush(); err != nil {
		w.failLocked(err)
		w.mu.Unlock()
		return
	}
	target, size := w.written, seg.size
	pending := target - w.durable
	w.mu.Unlock()

	start := time.Now()
	err := seg.file.Sync()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != seg || w.failed != nil {
		// rotation sealed seg itself; a failure or reset owns the durability point
		return
	}
	if err != nil {
		w.failLocked(err)
		return
	}
	w.countSync()
	if target > w.durable {
		w.durable = target
		w.durableSize = size
		w.broadcastLocked()
	}
	w.logger.Debug("Group commit", "entries", pending, "durable_seq", target, "duration", time.Since(start))
}
