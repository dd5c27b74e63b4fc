package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

var (
	// ErrClosed is returned by operations on a closed WAL.
	ErrClosed = errors.New("wal is closed")
	// ErrSegmentPurged is returned by a reader whose start position has been reclaimed.
	ErrSegmentPurged = errors.New("wal segment purged")
)

// DefaultFlushInterval is the group-commit interval for WALSyncPeriodic.
const DefaultFlushInterval = 10 * time.Millisecond

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       core.WALSyncMode
	FlushInterval  time.Duration
	MaxSegmentSize int64
	// Preallocate reserves MaxSegmentSize on disk for each new segment.
	Preallocate bool

	// StartSegment skips segments with an index <= this value during recovery.
	StartSegment uint64
	// StartSeq drops recovered entries with a sequence number <= this value.
	StartSeq uint64
	// MinSeq is a floor for sequence numbering: the first append gets at least
	// MinSeq+1 even when the segments holding earlier entries are gone.
	MinSeq uint64

	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Syncs          *expvar.Int

	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// RecoveryInfo describes what Open found on disk.
type RecoveryInfo struct {
	Segments  int
	Entries   int
	LastSeq   uint64
	Truncated bool
	// TruncatedSegment and Cause are set when replay stopped at a bad record.
	TruncatedSegment uint64
	Cause            error
	Duration         time.Duration
}

type segmentMeta struct {
	index   uint64
	lastSeq uint64
}

// WAL is a segmented write-ahead log. Appends are serialized by a single
// mutex, which makes the WAL the commit-ordering authority: sequence numbers
// are assigned in append order and are gapless.
type WAL struct {
	dir    string
	opts   Options
	logger *slog.Logger
	hooks  hooks.HookManager

	mu       sync.Mutex
	active   *segmentWriter
	segments []segmentMeta // ascending, active last
	nextSeq  uint64
	written  uint64 // last seq handed to the active segment
	durable  uint64 // durability point
	// durableSize is the active segment offset covered by durable.
	durableSize int64
	failed      error
	closed      bool
	notify      chan struct{} // closed and replaced whenever durable, segments or state change

	recovery RecoveryInfo

	stopCommitter chan struct{}
	wg            sync.WaitGroup
}

// Open creates or opens a WAL directory. It recovers entries from existing
// segments, seals them, and starts a fresh segment for appending. A torn or
// corrupt record ends replay: the segment is truncated there and any newer
// segments are set aside with a ".corrupt" suffix.
func Open(opts Options) (*WAL, []core.WALEntry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.WALSyncPeriodic
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:    opts.Dir,
		opts:   opts,
		logger: opts.Logger,
		hooks:  opts.HookManager,
		notify: make(chan struct{}),
	}

	start := time.Now()
	indexes, err := listSegments(w.dir)
	if err != nil {
		return nil, nil, err
	}
	entries, err := w.recover(indexes)
	if err != nil {
		return nil, nil, err
	}
	w.recovery.Duration = time.Since(start)

	w.nextSeq = max(w.recovery.LastSeq, opts.StartSeq, opts.MinSeq) + 1
	w.written = w.nextSeq - 1
	w.durable = w.written

	var next uint64 = 1
	if n := len(w.segments); n > 0 {
		next = w.segments[n-1].index + 1
	}
	if err := w.startSegmentLocked(next); err != nil {
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	if opts.SyncMode == core.WALSyncPeriodic {
		w.stopCommitter = make(chan struct{})
		w.wg.Add(1)
		go w.runCommitter(w.stopCommitter)
	}

	w.logger.Info("WAL opened",
		"dir", w.dir,
		"sync_mode", opts.SyncMode,
		"segments", len(w.segments),
		"recovered_entries", len(entries),
		"next_seq", w.nextSeq,
		"truncated", w.recovery.Truncated,
	)
	return w, entries, nil
}

func listSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory %s: %w", dir, err)
	}
	indexes := make([]uint64, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(f.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

func (w *WAL) segmentPath(index uint64) string {
	return filepath.Join(w.dir, core.FormatSegmentFileName(index))
}

// recover scans segments in order, seals any that were not closed cleanly,
// and stops at the first bad record.
func (w *WAL) recover(indexes []uint64) ([]core.WALEntry, error) {
	var entries []core.WALEntry
	for i, index := range indexes {
		if index <= w.opts.StartSegment {
			w.segments = append(w.segments, segmentMeta{index: index})
			continue
		}
		path := w.segmentPath(index)
		scan, err := scanSegment(path)
		if scan == nil {
			return nil, err
		}
		w.recovery.Segments++
		for _, e := range scan.entries {
			if e.SeqNum > w.opts.StartSeq {
				entries = append(entries, e)
			}
		}
		if scan.lastSeq > w.recovery.LastSeq {
			w.recovery.LastSeq = scan.lastSeq
		}

		if err == nil {
			if !scan.sealed {
				if sealErr := sealExisting(path, scan.validSize, scan.lastSeq); sealErr != nil {
					return nil, fmt.Errorf("failed to seal WAL segment %s: %w", path, sealErr)
				}
			}
			w.segments = append(w.segments, segmentMeta{index: index, lastSeq: scan.lastSeq})
			continue
		}

		w.recovery.Truncated = true
		w.recovery.TruncatedSegment = index
		w.recovery.Cause = err
		w.logger.Warn("WAL replay truncated at bad record",
			"segment", index,
			"offset", scan.validSize,
			"last_good_seq", scan.lastSeq,
			"entries_kept", len(scan.entries),
			"error", err,
		)
		if scan.validSize == 0 {
			if qErr := quarantine(path); qErr != nil {
				return nil, qErr
			}
		} else {
			if sealErr := sealExisting(path, scan.validSize, scan.lastSeq); sealErr != nil {
				return nil, fmt.Errorf("failed to truncate WAL segment %s: %w", path, sealErr)
			}
			w.segments = append(w.segments, segmentMeta{index: index, lastSeq: scan.lastSeq})
		}
		for _, later := range indexes[i+1:] {
			if qErr := quarantine(w.segmentPath(later)); qErr != nil {
				return nil, qErr
			}
			w.logger.Warn("WAL segment after truncation point set aside", "segment", later)
		}
		break
	}
	w.recovery.Entries = len(entries)
	return entries, nil
}

func sealExisting(path string, validSize int64, lastSeq uint64) error {
	file, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	sw := &segmentWriter{file: file, path: path, lastSeq: lastSeq}
	return sw.abandon(validSize)
}

func quarantine(path string) error {
	if err := sys.Rename(path, path+".corrupt"); err != nil {
		return fmt.Errorf("failed to set aside WAL segment %s: %w", path, err)
	}
	return nil
}

// Recovery reports what Open found.
func (w *WAL) Recovery() RecoveryInfo {
	return w.recovery
}

// startSegmentLocked creates segment index and makes it active.
func (w *WAL) startSegmentLocked(index uint64) error {
	var prealloc int64
	if w.opts.Preallocate {
		prealloc = w.opts.MaxSegmentSize
	}
	seg, err := createSegment(w.dir, index, prealloc)
	if err != nil {
		return err
	}
	seg.lastSeq = w.written
	w.active = seg
	w.durableSize = seg.size
	w.segments = append(w.segments, segmentMeta{index: index})
	return nil
}

// Append assigns the next sequence number to entry and writes it to the
// active segment. Under WALSyncNone and WALSyncEveryWrite the entry is
// durable when Append returns; under WALSyncPeriodic callers use WaitDurable.
func (w *WAL) Append(ctx context.Context, entry core.WALEntry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var rotated *hooks.PostWALRotatePayload
	seq, err := func() (uint64, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return 0, ErrClosed
		}
		if w.failed != nil {
			return 0, w.failed
		}

		entry.SeqNum = w.nextSeq
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now()
		}
		buf := core.BufferPool.Get()
		defer core.BufferPool.Put(buf)
		rec := appendRecord(buf.AvailableBuffer(), &entry)
		if len(rec)-recordOverhead > core.MaxRecordSize {
			return 0, fmt.Errorf("%w: wal record of %d bytes", core.ErrRecordTooLarge, len(rec))
		}

		if w.active.size > int64(core.FileHeaderSize) && w.active.size+int64(len(rec)) > w.opts.MaxSegmentSize {
			w.logger.Debug("Rotating WAL segment due to size", "current_size", w.active.size, "new_record_size", len(rec), "max_size", w.opts.MaxSegmentSize)
			ev, err := w.rotateLocked()
			if err != nil {
				return 0, err
			}
			rotated = ev
		}

		if err := w.active.write(rec, entry.SeqNum); err != nil {
			return 0, w.failLocked(err)
		}
		w.nextSeq++
		w.written = entry.SeqNum
		w.segments[len(w.segments)-1].lastSeq = entry.SeqNum
		if w.opts.BytesWritten != nil {
			w.opts.BytesWritten.Add(int64(len(rec)))
		}
		if w.opts.EntriesWritten != nil {
			w.opts.EntriesWritten.Add(1)
		}

		switch w.opts.SyncMode {
		case core.WALSyncNone:
			if err := w.active.flush(); err != nil {
				return 0, w.failLocked(err)
			}
			w.advanceLocked()
		case core.WALSyncEveryWrite:
			if err := w.active.sync(); err != nil {
				return 0, w.failLocked(err)
			}
			w.countSync()
			w.advanceLocked()
		}
		return entry.SeqNum, nil
	}()
	if rotated != nil {
		w.triggerRotate(*rotated)
	}
	return seq, err
}

// WaitDurable blocks until the durability point reaches seq.
func (w *WAL) WaitDurable(ctx context.Context, seq uint64) error {
	for {
		w.mu.Lock()
		if w.durable >= seq {
			w.mu.Unlock()
			return nil
		}
		if w.failed != nil {
			err := w.failed
			w.mu.Unlock()
			return err
		}
		if w.closed {
			w.mu.Unlock()
			return ErrClosed
		}
		ch := w.notify
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush writes buffered entries and fsyncs the active segment, advancing the
// durability point to the last appended entry.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if w.closed {
		return ErrClosed
	}
	if w.failed != nil {
		return w.failed
	}
	if w.durable >= w.written && w.active.w.Buffered() == 0 {
		return nil
	}
	if err := w.active.sync(); err != nil {
		return w.failLocked(err)
	}
	w.countSync()
	w.advanceLocked()
	return nil
}

func (w *WAL) countSync() {
	if w.opts.Syncs != nil {
		w.opts.Syncs.Add(1)
	}
}

// advanceLocked moves the durability point to everything written so far.
func (w *WAL) advanceLocked() {
	w.durable = w.written
	w.durableSize = w.active.size
	w.broadcastLocked()
}

func (w *WAL) broadcastLocked() {
	close(w.notify)
	w.notify = make(chan struct{})
}

// changed returns a channel closed at the next state change.
func (w *WAL) changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.notify
}

// failLocked records a sticky I/O failure. Every later Append and every
// waiter past the durability point receives it.
func (w *WAL) failLocked(cause error) error {
	if w.failed == nil {
		w.failed = fmt.Errorf("%w: segment %d: %w", core.ErrWALIOFailure, w.active.index, cause)
		w.logger.Error("WAL I/O failure, refusing further appends", "segment", w.active.index, "durable_seq", w.durable, "written_seq", w.written, "error", cause)
		w.broadcastLocked()
	}
	return w.failed
}

// Err returns the sticky failure, if any.
func (w *WAL) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// ResetFailure clears a sticky I/O failure. The failed segment is truncated
// to its durability point and sealed, sequence numbering resumes after the
// last durable entry, and a new segment is started. If the underlying
// problem persists the error is returned and the WAL stays failed.
func (w *WAL) ResetFailure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed == nil {
		return nil
	}
	if w.closed {
		return ErrClosed
	}
	if err := w.active.abandon(w.durableSize); err != nil {
		return fmt.Errorf("%w: truncating failed segment: %w", core.ErrWALIOFailure, err)
	}
	meta := &w.segments[len(w.segments)-1]
	meta.lastSeq = min(meta.lastSeq, w.durable)
	dropped := w.written - w.durable
	w.written = w.durable
	w.nextSeq = w.durable + 1

	next := w.active.index + 1
	if err := w.startSegmentLocked(next); err != nil {
		return fmt.Errorf("%w: starting new segment: %w", core.ErrWALIOFailure, err)
	}
	w.failed = nil
	w.broadcastLocked()
	w.logger.Warn("WAL failure cleared", "resume_seq", w.nextSeq, "dropped_entries", dropped, "segment", next)
	return nil
}

// Rotate seals the active segment and starts a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.failed != nil {
		err := w.failed
		w.mu.Unlock()
		return err
	}
	ev, err := w.rotateLocked()
	w.mu.Unlock()
	if ev != nil {
		w.triggerRotate(*ev)
	}
	return err
}

func (w *WAL) rotateLocked() (*hooks.PostWALRotatePayload, error) {
	old := w.active
	if err := old.seal(); err != nil {
		return nil, w.failLocked(err)
	}
	w.countSync()
	w.advanceLocked()
	if err := w.startSegmentLocked(old.index + 1); err != nil {
		// the old segment is sealed and closed; appends can't continue until reset
		w.active = old
		return nil, w.failLocked(err)
	}
	w.broadcastLocked()
	w.logger.Info("Rotated to new WAL segment", "index", w.active.index, "path", w.active.path)
	return &hooks.PostWALRotatePayload{
		OldSegmentIndex: old.index,
		NewSegmentIndex: w.active.index,
		NewSegmentPath:  w.active.path,
	}, nil
}

func (w *WAL) triggerRotate(p hooks.PostWALRotatePayload) {
	if w.hooks == nil {
		return
	}
	w.hooks.Trigger(context.Background(), hooks.NewPostWALRotateEvent(p))
}

// Purge deletes sealed segments with an index <= upToIndex. The active
// segment is never removed. It returns the number of segments deleted.
func (w *WAL) Purge(upToIndex uint64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []segmentMeta
	var purged int
	var firstErr error
	for i, meta := range w.segments {
		if meta.index > upToIndex || i == len(w.segments)-1 {
			remaining = append(remaining, meta)
			continue
		}
		path := w.segmentPath(meta.index)
		if err := sys.Remove(path); err != nil {
			w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			remaining = append(remaining, meta)
			continue
		}
		purged++
	}
	w.segments = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments", "count", purged, "up_to_index", upToIndex)
		w.broadcastLocked()
	}
	return purged, firstErr
}

// SafeSegment returns the newest sealed segment whose entries all have
// sequence numbers <= seq, or 0 if there is none.
func (w *WAL) SafeSegment(seq uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var safe uint64
	for _, meta := range w.segments[:len(w.segments)-1] {
		if meta.lastSeq > seq {
			break
		}
		safe = meta.index
	}
	return safe
}

// Segments returns the indexes of all live segments, oldest first.
func (w *WAL) Segments() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint64, len(w.segments))
	for i, m := range w.segments {
		out[i] = m.index
	}
	return out
}

// ActiveSegmentIndex returns the index of the segment receiving appends.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.index
}

// DurabilityPoint is the highest sequence number guaranteed on stable storage.
func (w *WAL) DurabilityPoint() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durable
}

// LastSeq is the highest sequence number appended.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// NextSeq is the sequence number the next Append will receive.
func (w *WAL) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Path returns the WAL directory.
func (w *WAL) Path() string {
	return w.dir
}

// stopCommitterLoop ends the group-commit goroutine, if any, and waits for it.
func (w *WAL) stopCommitterLoop() {
	w.mu.Lock()
	stop := w.stopCommitter
	w.stopCommitter = nil
	w.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	w.wg.Wait()
}

// TestingOnlyCrash stops the WAL the way a killed process would: buffered
// bytes are dropped, no footer is written and the active segment is closed
// as it is on disk.
func (w *WAL) TestingOnlyCrash() error {
	w.stopCommitterLoop()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.broadcastLocked()
	if err := w.active.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Close flushes and seals the active segment.
func (w *WAL) Close() error {
	w.stopCommitterLoop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	var err error
	if w.failed == nil {
		if err = w.active.seal(); err == nil {
			w.durable = w.written
		}
	} else {
		err = w.active.file.Close()
	}
	w.closed = true
	w.broadcastLocked()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		w.logger.Error("Error during WAL close.", "error", err)
		return err
	}
	w.logger.Info("WAL closed.", "durable_seq", w.durable)
	return nil
}
