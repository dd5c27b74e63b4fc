package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/nexusdoc/core"
)

type recordKind byte

const (
	recordPut    recordKind = 'P'
	recordDelete recordKind = 'D'
)

// recordHeaderSize is the length prefix plus the checksum.
const recordHeaderSize = 4 + core.ChecksumSize

// minRecordBody is kind + seq + compression + a zero-length id.
const minRecordBody = 1 + core.SeqNumSize + 1 + 1

type record struct {
	kind    recordKind
	seq     uint64
	comp    core.CompressionType
	id      string
	payload []byte
}

// appendDataRecord frames r as len | crc32(body) | body where
// body = kind | seq | compression | uvarint id length | id | payload.
func appendDataRecord(buf []byte, r *record) []byte {
	start := len(buf)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0)
	buf = append(buf, byte(r.kind))
	buf = binary.LittleEndian.AppendUint64(buf, r.seq)
	buf = append(buf, byte(r.comp))
	buf = binary.AppendUvarint(buf, uint64(len(r.id)))
	buf = append(buf, r.id...)
	buf = append(buf, r.payload...)

	body := buf[start+recordHeaderSize:]
	binary.LittleEndian.PutUint32(buf[start:], uint32(len(body)))
	binary.LittleEndian.PutUint32(buf[start+4:], crc32.ChecksumIEEE(body))
	return buf
}

var errBadRecord = errors.New("bad data record")

// parseDataRecord decodes one complete framed record. The payload aliases data.
func parseDataRecord(data []byte) (record, error) {
	var r record
	if len(data) < recordHeaderSize+minRecordBody {
		return r, fmt.Errorf("%w: short record", errBadRecord)
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	if int(n) != len(data)-recordHeaderSize {
		return r, fmt.Errorf("%w: length %d does not match frame %d", errBadRecord, n, len(data)-recordHeaderSize)
	}
	body := data[recordHeaderSize:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[4:8]) {
		return r, fmt.Errorf("%w: checksum mismatch", errBadRecord)
	}
	r.kind = recordKind(body[0])
	if r.kind != recordPut && r.kind != recordDelete {
		return r, fmt.Errorf("%w: unknown kind 0x%02x", errBadRecord, body[0])
	}
	r.seq = binary.LittleEndian.Uint64(body[1:9])
	r.comp = core.CompressionType(body[9])
	idLen, k := binary.Uvarint(body[10:])
	if k <= 0 || uint64(len(body)-10-k) < idLen {
		return r, fmt.Errorf("%w: bad id length", errBadRecord)
	}
	idStart := 10 + k
	r.id = string(body[idStart : idStart+int(idLen)])
	r.payload = body[idStart+int(idLen):]
	return r, nil
}

// readDataRecord reads the next framed record from a sequential reader.
// A clean end returns io.EOF; a record cut short returns io.ErrUnexpectedEOF.
func readDataRecord(r io.Reader) ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n < minRecordBody || n > core.MaxRecordSize {
		return nil, fmt.Errorf("%w: implausible length %d", errBadRecord, n)
	}
	frame := make([]byte, recordHeaderSize+int(n))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[recordHeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}
