package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// ErrCorrupt is returned by Read when the checkpoint file fails validation.
var ErrCorrupt = errors.New("checkpoint file corrupt")

// Write atomically replaces the checkpoint file in dir. The file is written
// to a temporary name, fsynced, renamed over the old one and the directory
// is synced, so a crash leaves either the previous or the new checkpoint.
func Write(dir string, cp core.Checkpoint) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, core.CheckpointMagicNumber)
	buf.WriteByte(core.FormatVersion)
	binary.Write(&buf, binary.LittleEndian, cp.AppliedSeq)
	binary.Write(&buf, binary.LittleEndian, cp.LastSafeSegmentIndex)
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))

	if err := sys.WriteFileAtomic(filepath.Join(dir, core.CheckpointFileName), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Read reads the checkpoint file in dir. It returns the checkpoint and
// whether the file existed; a missing file is not an error.
func Read(dir string) (core.Checkpoint, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := sys.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Checkpoint{}, false, nil
		}
		return core.Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	const size = 4 + 1 + 8 + 8
	if len(data) != size+4 {
		return core.Checkpoint{}, true, fmt.Errorf("%w: unexpected size %d", ErrCorrupt, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != core.CheckpointMagicNumber {
		return core.Checkpoint{}, true, fmt.Errorf("%w: invalid magic number: got %x, want %x", ErrCorrupt, magic, core.CheckpointMagicNumber)
	}
	if data[4] != core.FormatVersion {
		return core.Checkpoint{}, true, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}
	if crc32.ChecksumIEEE(data[:size]) != binary.LittleEndian.Uint32(data[size:]) {
		return core.Checkpoint{}, true, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return core.Checkpoint{
		AppliedSeq:           binary.LittleEndian.Uint64(data[5:13]),
		LastSafeSegmentIndex: binary.LittleEndian.Uint64(data[13:21]),
	}, true, nil
}
