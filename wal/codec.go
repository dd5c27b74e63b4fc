package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/INLOpen/nexusdoc/core"
)

// kindFooter marks the last record of a cleanly closed segment. Its SeqNum is
// the last sequence number written to the segment.
const kindFooter core.OpKind = 'F'

// recordOverhead is the length prefix plus the trailing checksum.
const recordOverhead = 4 + core.ChecksumSize

// minBodySize is seq + kind + timestamp + three zero-length uvarints.
const minBodySize = core.SeqNumSize + 1 + 8 + 3

var errFooter = errors.New("segment footer")

// appendRecord frames one entry as length | body | crc32(body).
func appendRecord(buf []byte, e *core.WALEntry) []byte {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	buf = binary.LittleEndian.AppendUint64(buf, e.SeqNum)
	buf = append(buf, byte(e.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Timestamp.UnixNano()))
	buf = binary.AppendUvarint(buf, uint64(len(e.Collection)))
	buf = append(buf, e.Collection...)
	buf = binary.AppendUvarint(buf, uint64(len(e.DocID)))
	buf = append(buf, e.DocID...)
	buf = binary.AppendUvarint(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)

	body := buf[start+4:]
	binary.LittleEndian.PutUint32(buf[start:start+4], uint32(len(body)))
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
}

// readRecord reads one framed record. A clean end of file returns io.EOF; a
// record cut short returns io.ErrUnexpectedEOF.
func readRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n < minBodySize || n > core.MaxRecordSize {
		return nil, fmt.Errorf("%w: implausible record length %d", core.ErrWALChecksumMismatch, n)
	}
	data := make([]byte, int(n)+core.ChecksumSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	body := data[:n]
	want := binary.LittleEndian.Uint32(data[n:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("%w: stored %08x computed %08x", core.ErrWALChecksumMismatch, want, got)
	}
	return body, nil
}

// decodeBody parses a record body. A footer returns errFooter with the
// entry's SeqNum set.
func decodeBody(body []byte) (core.WALEntry, error) {
	var e core.WALEntry
	if len(body) < minBodySize {
		return e, fmt.Errorf("%w: body too short", core.ErrWALChecksumMismatch)
	}
	e.SeqNum = binary.LittleEndian.Uint64(body[0:8])
	e.Kind = core.OpKind(body[8])
	e.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(body[9:17])))
	if e.Kind == kindFooter {
		return e, errFooter
	}
	if !e.Kind.Valid() {
		return e, fmt.Errorf("%w: unknown op kind 0x%02x", core.ErrWALChecksumMismatch, byte(e.Kind))
	}
	rest := body[17:]
	var field []byte
	var err error
	if field, rest, err = readBytes(rest); err != nil {
		return e, err
	}
	e.Collection = string(field)
	if field, rest, err = readBytes(rest); err != nil {
		return e, err
	}
	e.DocID = string(field)
	if field, rest, err = readBytes(rest); err != nil {
		return e, err
	}
	if len(field) > 0 {
		e.Payload = field
	}
	if len(rest) != 0 {
		return e, fmt.Errorf("%w: %d trailing bytes", core.ErrWALChecksumMismatch, len(rest))
	}
	return e, nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 || uint64(len(b)-k) < n {
		return nil, nil, fmt.Errorf("%w: bad length prefix", core.ErrWALChecksumMismatch)
	}
	return b[k : k+int(n)], b[k+int(n):], nil
}
