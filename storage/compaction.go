package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

// CompactionResult describes one compaction run.
type CompactionResult struct {
	Collection   string
	Skipped      bool
	GarbageRatio float64
	BytesRead    int64
	BytesWritten int64
	LiveRecords  int
	Duration     time.Duration
}

// Compact rewrites a collection's data file with only its live records when
// the garbage ratio exceeds the configured threshold, or always when force
// is set. Tombstones are dropped. Writers to the collection wait for the
// rewrite; other collections are unaffected.
func (s *Store) Compact(ctx context.Context, collectionName string, force bool) (CompactionResult, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return CompactionResult{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	res := CompactionResult{Collection: c.name, GarbageRatio: c.garbageRatio()}
	if !force && res.GarbageRatio < s.opts.CompactionGarbageRatio {
		res.Skipped = true
		return res, nil
	}
	if s.hooks != nil {
		if err := s.hooks.Trigger(ctx, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{
			Collection: c.name, GarbageRatio: res.GarbageRatio,
		})); err != nil {
			return res, fmt.Errorf("compaction of %s cancelled by pre-hook: %w", c.name, err)
		}
	}

	start := time.Now()
	tmpPath := filepath.Join(c.dir, core.FormatTempFilename(core.DataLogFileName, "compact"))
	out, err := sys.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return res, fmt.Errorf("failed to create compaction file %s: %w", tmpPath, err)
	}
	cleanup := func() {
		out.Close()
		sys.Remove(tmpPath)
	}
	header := core.NewFileHeader(core.DataLogMagicNumber, core.CompressionNone)
	if err := binary.Write(out, binary.LittleEndian, &header); err != nil {
		cleanup()
		return res, err
	}

	keydir := newKeydir()
	offset := int64(core.FileHeaderSize)
	var copyErr error
	c.keydir.Range(func(id string, loc location) bool {
		if loc.deleted {
			return true
		}
		if err := ctx.Err(); err != nil {
			copyErr = err
			return false
		}
		frame := make([]byte, loc.size)
		if _, err := c.file.ReadAt(frame, loc.offset); err != nil {
			copyErr = fmt.Errorf("failed to read %s at %d: %w", c.path, loc.offset, err)
			return false
		}
		if _, err := parseDataRecord(frame); err != nil {
			copyErr = err
			return false
		}
		if _, err := out.Write(frame); err != nil {
			copyErr = err
			return false
		}
		res.BytesRead += int64(loc.size)
		keydir.Insert(id, location{offset: offset, size: loc.size, seq: loc.seq})
		offset += int64(loc.size)
		res.LiveRecords++
		return true
	})
	if copyErr != nil {
		cleanup()
		return res, fmt.Errorf("compaction of %s failed: %w", c.name, copyErr)
	}
	if err := out.Sync(); err != nil {
		cleanup()
		return res, err
	}
	if err := sys.Rename(tmpPath, c.path); err != nil {
		cleanup()
		return res, fmt.Errorf("failed to install compacted file for %s: %w", c.name, err)
	}
	if err := sys.SyncDir(c.dir); err != nil {
		c.logger.Warn("Failed to sync collection directory after compaction", "error", err)
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return res, err
	}

	c.file.Close()
	c.file = out
	c.keydir = keydir
	c.size = offset
	c.liveBytes = offset - int64(core.FileHeaderSize)
	c.live = res.LiveRecords

	res.BytesWritten = offset
	res.Duration = time.Since(start)
	c.logger.Info("Collection compacted",
		"garbage_ratio", res.GarbageRatio,
		"bytes_read", res.BytesRead,
		"bytes_written", res.BytesWritten,
		"live_records", res.LiveRecords,
		"duration", res.Duration,
	)
	if s.hooks != nil {
		s.hooks.Trigger(ctx, hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
			Collection:   c.name,
			BytesRead:    res.BytesRead,
			BytesWritten: res.BytesWritten,
			LiveRecords:  res.LiveRecords,
			Duration:     res.Duration,
		}))
	}
	return res, nil
}

// GarbageRatio is the share of a collection's data file not referenced by the keydir.
func (s *Store) GarbageRatio(collectionName string) (float64, error) {
	c, err := s.get(collectionName)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.garbageRatio(), nil
}
