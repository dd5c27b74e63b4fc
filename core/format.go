package core

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// This file centralizes constants related to file formats, magic numbers,
// and file names used across the database.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// DataLogMagicNumber identifies a collection data file.
	DataLogMagicNumber uint32 = 0x44415441 // "DATA"
	// SnapshotMagicNumber identifies a snapshot file.
	SnapshotMagicNumber uint32 = 0x4E584453 // "NXDS"

	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- File Names & Suffixes ---
const (
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// CheckpointFileName is the name of the file storing checkpoint information.
	CheckpointFileName = "CHECKPOINT"
	// CatalogFileName stores collection options and index definitions.
	CatalogFileName = "CATALOG.json"
	// LockFileName guards a data directory against a second engine.
	LockFileName = "LOCK"
	// DataLogFileName is the append-only data file inside each collection directory.
	DataLogFileName = "data.log"

	WALDirName         = "wal"
	CollectionsDirName = "collections"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 64 * 1024 * 1024 // 64 MB
	// MaxRecordSize bounds a single WAL or data record so a corrupt length prefix
	// cannot make recovery allocate unbounded memory.
	MaxRecordSize = 32 * 1024 * 1024
)

// FileHeader is a standard header for WAL segments and data files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// Checkpoint stores the state of the last durable checkpoint.
type Checkpoint struct {
	// AppliedSeq is the highest WAL sequence number whose effect is durable in the data files.
	AppliedSeq uint64
	// LastSafeSegmentIndex is the newest WAL segment that contains only entries <= AppliedSeq.
	LastSafeSegmentIndex uint64
}

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}
