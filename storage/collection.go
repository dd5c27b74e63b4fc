package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/INLOpen/skiplist"
)

// location is the keydir value: where the newest record for an id lives.
type location struct {
	offset  int64
	size    uint32
	seq     uint64
	deleted bool
}

// collection owns one data file and its keydir. mu serializes appends and
// protects the file handle against a concurrent compaction swap.
type collection struct {
	name   string
	dir    string
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	opts   CollectionOptions
	file   sys.FileHandle
	size   int64
	keydir *skiplist.SkipList[string, location]
	live   int
	// liveBytes counts bytes of records the keydir still points at.
	liveBytes int64
	maxSeq    uint64
}

func newKeydir() *skiplist.SkipList[string, location] {
	return skiplist.NewWithComparator[string, location](strings.Compare)
}

// openCollection opens or creates the data file in dir and rebuilds the
// keydir by scanning it. A torn or corrupt tail is truncated.
func openCollection(dir, name string, logger *slog.Logger) (*collection, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create collection directory %s: %w", dir, err)
	}
	c := &collection{
		name:   name,
		dir:    dir,
		path:   filepath.Join(dir, core.DataLogFileName),
		logger: logger.With("collection", name),
		keydir: newKeydir(),
	}

	file, err := sys.OpenFile(c.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", c.path, err)
	}
	c.file = file
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if stat.Size() == 0 {
		if err := writeDataHeader(file); err != nil {
			file.Close()
			return nil, err
		}
		c.size = int64(core.FileHeaderSize)
		return c, nil
	}
	if err := c.load(); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

func writeDataHeader(f sys.FileHandle) error {
	header := core.NewFileHeader(core.DataLogMagicNumber, core.CompressionNone)
	if err := binary.Write(f, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write data file header: %w", err)
	}
	return f.Sync()
}

func (c *collection) load() error {
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(c.file, 64*1024)
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to read data file header %s: %w", c.path, err)
	}
	if header.Magic != core.DataLogMagicNumber {
		return fmt.Errorf("invalid magic number in data file %s: got %x", c.path, header.Magic)
	}
	if header.Version != core.FormatVersion {
		return fmt.Errorf("data file %s: unsupported format version %d", c.path, header.Version)
	}

	offset := int64(core.FileHeaderSize)
	var records int
	for {
		frame, err := readDataRecord(r)
		if errors.Is(err, io.EOF) {
			break
		}
		var rec record
		if err == nil {
			rec, err = parseDataRecord(frame)
		}
		if err != nil {
			stat, statErr := c.file.Stat()
			if statErr != nil {
				return statErr
			}
			c.logger.Warn("Truncating data file at bad record",
				"path", c.path, "offset", offset, "dropped_bytes", stat.Size()-offset, "error", err)
			if err := c.file.Truncate(offset); err != nil {
				return fmt.Errorf("failed to truncate data file %s: %w", c.path, err)
			}
			break
		}
		c.index(rec, offset, uint32(len(frame)))
		offset += int64(len(frame))
		records++
	}
	c.size = offset
	if _, err := c.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	c.logger.Debug("Collection loaded", "records", records, "live", c.live, "size", c.size)
	return nil
}

// index points the keydir at a record just read or written.
func (c *collection) index(rec record, offset int64, size uint32) {
	loc := location{offset: offset, size: size, seq: rec.seq, deleted: rec.kind == recordDelete}
	if prev, ok := c.lookup(rec.id); ok && !prev.deleted {
		c.live--
		c.liveBytes -= int64(prev.size)
	}
	c.keydir.Insert(rec.id, loc)
	if !loc.deleted {
		c.live++
		c.liveBytes += int64(size)
	}
	if rec.seq > c.maxSeq {
		c.maxSeq = rec.seq
	}
}

// lookup returns the keydir entry for id. Callers hold mu.
func (c *collection) lookup(id string) (location, bool) {
	node, ok := c.keydir.Seek(id)
	if !ok || node.Key() != id {
		return location{}, false
	}
	return node.Value(), true
}

// appendLocked writes rec at the end of the file and indexes it. A failed
// write is rolled back so the file never keeps a partial record.
func (c *collection) appendLocked(rec record) error {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	frame := appendDataRecord(buf.AvailableBuffer(), &rec)
	if len(frame)-recordHeaderSize > core.MaxRecordSize {
		return fmt.Errorf("%w: document %s/%s encodes to %d bytes", core.ErrRecordTooLarge, c.name, rec.id, len(frame))
	}
	if _, err := c.file.Write(frame); err != nil {
		if tErr := c.file.Truncate(c.size); tErr == nil {
			c.file.Seek(c.size, io.SeekStart)
		}
		return fmt.Errorf("failed to append to %s: %w", c.path, err)
	}
	c.index(rec, c.size, uint32(len(frame)))
	c.size += int64(len(frame))
	return nil
}

// readLocked reads and verifies the record at loc. Callers hold mu.
func (c *collection) readLocked(loc location) (record, error) {
	frame := make([]byte, loc.size)
	if _, err := c.file.ReadAt(frame, loc.offset); err != nil {
		return record{}, fmt.Errorf("failed to read %s at %d: %w", c.path, loc.offset, err)
	}
	rec, err := parseDataRecord(frame)
	if err != nil {
		return record{}, fmt.Errorf("%s at %d: %w", c.path, loc.offset, err)
	}
	return rec, nil
}

// ids returns the live ids in key order.
func (c *collection) ids() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.live)
	c.keydir.Range(func(id string, loc location) bool {
		if !loc.deleted {
			out = append(out, id)
		}
		return true
	})
	return out
}

func (c *collection) garbageRatio() float64 {
	data := c.size - int64(core.FileHeaderSize)
	if data <= 0 {
		return 0
	}
	return float64(data-c.liveBytes) / float64(data)
}

func (c *collection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}
