// Package snapshot reads and writes point-in-time exports of a document store.
//
// File layout (little endian):
//
//	header    magic u32 | version u8 | created_at i64 | seq u64
//	metadata  len u32 | JSON Metadata
//	blocks    one per collection, in metadata order:
//	          uvarint name len | name | count u64 |
//	          count × (uvarint id len | id | len u32 | encoded document)
//	footer    crc32 (IEEE) of every preceding byte
package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"time"

	"github.com/INLOpen/nexusdoc/core"
)

var (
	// ErrCorrupt is returned when the footer checksum or the structure does not match.
	ErrCorrupt = errors.New("snapshot is corrupt")
	// ErrBadMagic is returned for files that are not snapshots.
	ErrBadMagic = errors.New("not a snapshot file")
)

// FileExtension is used for snapshot files created by Manager.
const FileExtension = ".nxds"

type header struct {
	Magic     uint32
	Version   uint8
	CreatedAt int64
	Seq       uint64
}

// CollectionMeta describes one collection in a snapshot. Options is opaque to
// this package; the engine stores its collection options there.
type CollectionMeta struct {
	Name      string                 `json:"name"`
	Options   json.RawMessage        `json:"options,omitempty"`
	Indexes   []core.IndexDefinition `json:"indexes,omitempty"`
	Documents int                    `json:"documents"`
}

// Metadata is the metadata block of a snapshot.
type Metadata struct {
	CreatedAt   time.Time        `json:"created_at"`
	Seq         uint64           `json:"seq"`
	Collections []CollectionMeta `json:"collections"`
}

// Source supplies the content of a snapshot. It must present a consistent
// view for the duration of Write: Documents counts must match what
// ScanCollection yields.
type Source interface {
	SnapshotMetadata(ctx context.Context) (Metadata, error)
	ScanCollection(ctx context.Context, collection string, fn func(doc *core.Document) error) error
}

// Sink receives a snapshot being read. Documents are staged; Commit is only
// called once the footer checksum has been verified, Abort otherwise.
type Sink interface {
	Begin(ctx context.Context, meta Metadata) error
	Document(ctx context.Context, collection string, doc *core.Document) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context)
}

// hashWriter counts and checksums everything written through it.
type hashWriter struct {
	w   *bufio.Writer
	crc hash.Hash32
	n   int64
}

func (h *hashWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.crc.Write(p[:n])
	h.n += int64(n)
	return n, err
}

// Write exports src to w and returns the metadata it wrote and the byte count.
func Write(ctx context.Context, w io.Writer, src Source) (Metadata, int64, error) {
	meta, err := src.SnapshotMetadata(ctx)
	if err != nil {
		return Metadata{}, 0, fmt.Errorf("failed to collect snapshot metadata: %w", err)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	hw := &hashWriter{w: bufio.NewWriterSize(w, 64*1024), crc: crc32.NewIEEE()}

	hdr := header{Magic: core.SnapshotMagicNumber, Version: core.FormatVersion, CreatedAt: meta.CreatedAt.UnixNano(), Seq: meta.Seq}
	if err := binary.Write(hw, binary.LittleEndian, &hdr); err != nil {
		return meta, hw.n, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return meta, hw.n, fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if err := writeBlock(hw, metaBytes); err != nil {
		return meta, hw.n, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	var scratch []byte
	for _, c := range meta.Collections {
		scratch = binary.AppendUvarint(scratch[:0], uint64(len(c.Name)))
		scratch = append(scratch, c.Name...)
		scratch = binary.LittleEndian.AppendUint64(scratch, uint64(c.Documents))
		if _, err := hw.Write(scratch); err != nil {
			return meta, hw.n, err
		}
		written := 0
		err := src.ScanCollection(ctx, c.Name, func(doc *core.Document) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			written++
			if written > c.Documents {
				return fmt.Errorf("collection %s yielded more than the %d documents announced", c.Name, c.Documents)
			}
			scratch = binary.AppendUvarint(scratch[:0], uint64(len(doc.ID)))
			scratch = append(scratch, doc.ID...)
			if _, err := hw.Write(scratch); err != nil {
				return err
			}
			return writeBlock(hw, core.EncodeDocument(doc))
		})
		if err != nil {
			return meta, hw.n, fmt.Errorf("failed to export collection %s: %w", c.Name, err)
		}
		if written != c.Documents {
			return meta, hw.n, fmt.Errorf("collection %s yielded %d documents, %d announced", c.Name, written, c.Documents)
		}
	}

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], hw.crc.Sum32())
	if _, err := hw.w.Write(footer[:]); err != nil {
		return meta, hw.n, err
	}
	if err := hw.w.Flush(); err != nil {
		return meta, hw.n, fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return meta, hw.n + 4, nil
}

func writeBlock(w io.Writer, b []byte) error {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// hashReader checksums everything read through it.
type hashReader struct {
	r   *bufio.Reader
	crc hash.Hash32
}

func (h *hashReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.crc.Write(p[:n])
	return n, err
}

func (h *hashReader) ReadByte() (byte, error) {
	b, err := h.r.ReadByte()
	if err == nil {
		h.crc.Write([]byte{b})
	}
	return b, err
}

// Read imports a snapshot from r into sink. The sink is committed only when
// the whole stream parsed and its checksum matched.
func Read(ctx context.Context, r io.Reader, sink Sink) (meta Metadata, err error) {
	hr := &hashReader{r: bufio.NewReaderSize(r, 64*1024), crc: crc32.NewIEEE()}
	begun := false
	defer func() {
		if err != nil && begun {
			sink.Abort(ctx)
		}
	}()

	var hdr header
	if err := binary.Read(hr, binary.LittleEndian, &hdr); err != nil {
		return meta, fmt.Errorf("%w: short header: %w", ErrCorrupt, err)
	}
	if hdr.Magic != core.SnapshotMagicNumber {
		return meta, fmt.Errorf("%w: magic 0x%08x", ErrBadMagic, hdr.Magic)
	}
	if hdr.Version != core.FormatVersion {
		return meta, fmt.Errorf("unsupported snapshot version %d", hdr.Version)
	}
	metaBytes, err := readBlock(hr)
	if err != nil {
		return meta, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return meta, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	meta.Seq = hdr.Seq
	meta.CreatedAt = time.Unix(0, hdr.CreatedAt).UTC()

	if err := sink.Begin(ctx, meta); err != nil {
		return meta, err
	}
	begun = true

	for _, c := range meta.Collections {
		name, err := readString(hr)
		if err != nil {
			return meta, fmt.Errorf("%w: collection name: %w", ErrCorrupt, err)
		}
		if name != c.Name {
			return meta, fmt.Errorf("%w: expected collection block %q, found %q", ErrCorrupt, c.Name, name)
		}
		var count uint64
		if err := binary.Read(hr, binary.LittleEndian, &count); err != nil {
			return meta, fmt.Errorf("%w: document count of %s: %w", ErrCorrupt, name, err)
		}
		for i := uint64(0); i < count; i++ {
			if err := ctx.Err(); err != nil {
				return meta, err
			}
			id, err := readString(hr)
			if err != nil {
				return meta, fmt.Errorf("%w: document id in %s: %w", ErrCorrupt, name, err)
			}
			body, err := readBlock(hr)
			if err != nil {
				return meta, fmt.Errorf("%w: document %s/%s: %w", ErrCorrupt, name, id, err)
			}
			doc, err := core.DecodeDocument(name, id, body)
			if err != nil {
				return meta, fmt.Errorf("%w: document %s/%s: %w", ErrCorrupt, name, id, err)
			}
			if err := sink.Document(ctx, name, doc); err != nil {
				return meta, err
			}
		}
	}

	want := hr.crc.Sum32()
	var footer [4]byte
	if _, err := io.ReadFull(hr.r, footer[:]); err != nil {
		return meta, fmt.Errorf("%w: missing footer: %w", ErrCorrupt, err)
	}
	if got := binary.LittleEndian.Uint32(footer[:]); got != want {
		return meta, fmt.Errorf("%w: checksum 0x%08x, computed 0x%08x", ErrCorrupt, got, want)
	}
	if err := sink.Commit(ctx); err != nil {
		begun = false
		return meta, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return meta, nil
}

func readBlock(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(l[:])
	if n > core.MaxRecordSize {
		return nil, fmt.Errorf("block of %d bytes: %w", n, core.ErrRecordTooLarge)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *hashReader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > core.MaxRecordSize {
		return "", core.ErrRecordTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
