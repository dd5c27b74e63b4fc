package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// Reader follows the WAL from a sequence number onward, across segment
// rotations. It only yields entries at or below the durability point, so a
// follower never observes an entry that could be lost in a crash.
type Reader struct {
	w    *WAL
	next uint64 // next sequence number expected

	segIndex uint64
	file     sys.FileHandle
	offset   int64

	mu        sync.Mutex // guards file against a concurrent Close
	closeOnce sync.Once
	done      chan struct{}
}

// OpenReader returns a reader positioned at fromSeq. Sequence numbers start
// at 1; a fromSeq of 0 is treated as 1.
func (w *WAL) OpenReader(fromSeq uint64) (*Reader, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	return &Reader{w: w, next: fromSeq, done: make(chan struct{})}, nil
}

// Next blocks until the next durable entry is available and returns it.
// It returns ErrSegmentPurged when the entries the reader needs were
// reclaimed by a checkpoint.
func (r *Reader) Next(ctx context.Context) (*core.WALEntry, error) {
	for {
		select {
		case <-r.done:
			return nil, ErrClosed
		default:
		}
		// taken before inspecting state so no change between the check and the wait is missed
		changed := r.w.changed()

		r.mu.Lock()
		entry, err := r.tryNext()
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		if err := r.w.Err(); err != nil {
			return nil, err
		}
		if r.w.isClosed() {
			return nil, ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrClosed
		}
	}
}

// tryNext returns the next entry, or nil if the reader must wait.
func (r *Reader) tryNext() (*core.WALEntry, error) {
	for {
		select {
		case <-r.done:
			return nil, ErrClosed
		default:
		}
		if r.file == nil {
			ok, err := r.openNextSegment()
			if err != nil || !ok {
				return nil, err
			}
		}

		body, size, err := r.readRecordAt(r.offset)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// the tip of the active segment, or a record not yet flushed
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		entry, err := decodeBody(body)
		if errors.Is(err, errFooter) {
			r.file.Close()
			r.file = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("segment %d offset %d: %w", r.segIndex, r.offset, err)
		}
		if entry.SeqNum > r.w.DurabilityPoint() {
			return nil, nil
		}
		r.offset += size
		if entry.SeqNum < r.next {
			continue
		}
		if entry.SeqNum > r.next {
			return nil, fmt.Errorf("%w: wanted seq %d, oldest available is %d", ErrSegmentPurged, r.next, entry.SeqNum)
		}
		entry.SegmentIndex = r.segIndex
		r.next = entry.SeqNum + 1
		return &entry, nil
	}
}

// openNextSegment opens the first live segment after the current one.
// It reports false when there is none yet.
func (r *Reader) openNextSegment() (bool, error) {
	var target uint64
	for _, index := range r.w.Segments() {
		if index > r.segIndex {
			target = index
			break
		}
	}
	if target == 0 {
		// the segment we just finished was the newest; the next one is about to appear
		return false, nil
	}
	if r.segIndex != 0 && target != r.segIndex+1 {
		return false, fmt.Errorf("%w: segment %d missing", ErrSegmentPurged, r.segIndex+1)
	}

	path := r.w.segmentPath(target)
	file, err := sys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: segment %d", ErrSegmentPurged, target)
		}
		return false, err
	}
	var header core.FileHeader
	if err := binary.Read(io.NewSectionReader(file, 0, int64(core.FileHeaderSize)), binary.LittleEndian, &header); err != nil {
		file.Close()
		return false, fmt.Errorf("segment %d header: %w", target, err)
	}
	if header.Magic != core.WALMagicNumber {
		file.Close()
		return false, fmt.Errorf("%w: invalid magic number in segment %d", core.ErrWALChecksumMismatch, target)
	}
	r.file = file
	r.segIndex = target
	r.offset = int64(core.FileHeaderSize)
	return true, nil
}

// readRecordAt reads one framed record at off without moving any cursor.
func (r *Reader) readRecordAt(off int64) ([]byte, int64, error) {
	var lenBuf [4]byte
	n, err := r.file.ReadAt(lenBuf[:], off)
	if n < len(lenBuf) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size == 0 {
		// preallocated space past the tip
		return nil, 0, io.EOF
	}
	if size < minBodySize || size > core.MaxRecordSize {
		return nil, 0, fmt.Errorf("%w: implausible record length %d", core.ErrWALChecksumMismatch, size)
	}
	data := make([]byte, int(size)+core.ChecksumSize)
	n, err = r.file.ReadAt(data, off+4)
	if n < len(data) {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	body := data[:size]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[size:]) {
		return nil, 0, fmt.Errorf("%w: segment %d offset %d", core.ErrWALChecksumMismatch, r.segIndex, off)
	}
	return body, int64(size) + recordOverhead, nil
}

// Close releases the reader's file handle and wakes a blocked Next.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.file != nil {
			err = r.file.Close()
			r.file = nil
		}
	})
	return err
}

func (w *WAL) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
