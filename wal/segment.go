package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// segmentWriter appends framed records to one segment file.
type segmentWriter struct {
	file  sys.FileHandle
	path  string
	index uint64
	w     *bufio.Writer

	// size counts bytes handed to w, header included.
	size    int64
	lastSeq uint64
}

// createSegment creates (or truncates) segment index in dir and writes its header.
func createSegment(dir string, index uint64, prealloc int64) (*segmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if prealloc > 0 {
		if err := sys.Preallocate(file, prealloc); err != nil && !errors.Is(err, sys.ErrPreallocNotSupported) {
			file.Close()
			return nil, err
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync new segment %s: %w", path, err)
	}
	if err := sys.SyncDir(dir); err != nil {
		file.Close()
		return nil, err
	}
	return &segmentWriter{
		file:  file,
		path:  path,
		index: index,
		w:     bufio.NewWriterSize(file, 64*1024),
		size:  int64(core.FileHeaderSize),
	}, nil
}

func (s *segmentWriter) write(rec []byte, seq uint64) error {
	if _, err := s.w.Write(rec); err != nil {
		return err
	}
	s.size += int64(len(rec))
	s.lastSeq = seq
	return nil
}

func (s *segmentWriter) flush() error {
	return s.w.Flush()
}

func (s *segmentWriter) sync() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// seal writes the footer record, syncs and closes the file.
func (s *segmentWriter) seal() error {
	footer := core.WALEntry{SeqNum: s.lastSeq, Kind: kindFooter, Timestamp: time.Now()}
	if _, err := s.w.Write(appendRecord(nil, &footer)); err != nil {
		s.file.Close()
		return err
	}
	if err := s.sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// abandon truncates the file to validSize, seals it and closes it. Used to
// recover from a failed write whose bytes may have partially reached the file.
func (s *segmentWriter) abandon(validSize int64) error {
	if err := s.file.Truncate(validSize); err != nil {
		s.file.Close()
		return err
	}
	if _, err := s.file.Seek(validSize, io.SeekStart); err != nil {
		s.file.Close()
		return err
	}
	s.w = bufio.NewWriter(s.file)
	s.size = validSize
	return s.seal()
}

// segmentScan is the result of reading one segment from the start.
type segmentScan struct {
	index   uint64
	entries []core.WALEntry
	// validSize is the file offset just past the last intact record.
	validSize int64
	sealed    bool
	lastSeq   uint64
}

// scanSegment reads every intact record of a segment. The error is nil when
// the segment ends cleanly (footer or EOF on a record boundary), and
// otherwise describes the first bad record; entries before it are returned.
func scanSegment(path string) (*segmentScan, error) {
	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}
	defer file.Close()

	scan := &segmentScan{index: index}
	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return scan, fmt.Errorf("segment %s header: %w", path, err)
	}
	if header.Magic != core.WALMagicNumber {
		return scan, fmt.Errorf("%w: invalid magic number in segment %s: got %x", core.ErrWALChecksumMismatch, path, header.Magic)
	}
	if header.Version != core.FormatVersion {
		return scan, fmt.Errorf("segment %s: unsupported format version %d", path, header.Version)
	}
	scan.validSize = int64(core.FileHeaderSize)

	r := bufio.NewReaderSize(file, 64*1024)
	for {
		body, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return scan, nil
			}
			return scan, err
		}
		entry, err := decodeBody(body)
		if errors.Is(err, errFooter) {
			scan.validSize += int64(len(body) + recordOverhead)
			scan.sealed = true
			return scan, nil
		}
		if err != nil {
			return scan, err
		}
		entry.SegmentIndex = index
		scan.entries = append(scan.entries, entry)
		scan.lastSeq = entry.SeqNum
		scan.validSize += int64(len(body) + recordOverhead)
	}
}

// Replay reads one segment file and returns its entries up to the first
// corrupt or torn record. The error is nil if the whole segment was read,
// and wraps core.ErrWALChecksumMismatch or io.ErrUnexpectedEOF otherwise.
func Replay(path string) ([]core.WALEntry, error) {
	scan, err := scanSegment(path)
	if scan == nil {
		return nil, err
	}
	return scan.entries, err
}
