package core

import (
	"fmt"
	"strings"
	"time"
)

// OpKind is the operation recorded by a WAL entry.
type OpKind byte

const (
	OpPut         OpKind = 'P'
	OpDelete      OpKind = 'D'
	OpIndexCreate OpKind = 'I'
	OpIndexDrop   OpKind = 'X'
	// OpUndo compensates an earlier entry of the same document that failed validation
	// after it was logged. Its payload is the prior document, or empty if there was none.
	OpUndo OpKind = 'U'
	// OpRewrite replaces the stored bytes of a document verbatim (encryption rewrites).
	OpRewrite OpKind = 'R'
	// OpCollectionCreate records collection options; OpCollectionDrop removes a collection.
	OpCollectionCreate OpKind = 'C'
	OpCollectionDrop   OpKind = 'K'
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpIndexCreate:
		return "index_create"
	case OpIndexDrop:
		return "index_drop"
	case OpUndo:
		return "undo"
	case OpRewrite:
		return "rewrite"
	case OpCollectionCreate:
		return "collection_create"
	case OpCollectionDrop:
		return "collection_drop"
	default:
		return fmt.Sprintf("op(0x%02x)", byte(k))
	}
}

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpPut, OpDelete, OpIndexCreate, OpIndexDrop, OpUndo, OpRewrite, OpCollectionCreate, OpCollectionDrop:
		return true
	}
	return false
}

// WALEntry represents a single operation recorded in the WAL.
type WALEntry struct {
	SeqNum     uint64
	Kind       OpKind
	Collection string
	DocID      string
	Payload    []byte
	Timestamp  time.Time
	// SegmentIndex is filled in by readers; it is not part of the encoding.
	SegmentIndex uint64
}

// WALSyncMode defines how frequently the WAL is synced to disk.
type WALSyncMode string

const (
	// WALSyncNone never fsyncs explicitly; appends are durable as soon as they reach the OS.
	WALSyncNone WALSyncMode = "none"
	// WALSyncEveryWrite fsyncs after every append.
	WALSyncEveryWrite WALSyncMode = "every_write"
	// WALSyncPeriodic fsyncs in batches on an interval (group commit).
	WALSyncPeriodic WALSyncMode = "periodic"
)

// ParseWALSyncMode accepts the config spellings, including the legacy
// "always"/"interval"/"disabled" names.
func ParseWALSyncMode(s string) (WALSyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "disabled":
		return WALSyncNone, nil
	case "every_write", "everywrite", "always":
		return WALSyncEveryWrite, nil
	case "periodic", "interval", "":
		return WALSyncPeriodic, nil
	default:
		return "", fmt.Errorf("unknown wal sync mode %q", s)
	}
}
