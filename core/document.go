package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Field is a single named value inside a document.
type Field struct {
	Name  string
	Value Value
}

// Document is the unit of storage. Fields keep their insertion order.
type Document struct {
	Collection string
	ID         string
	Fields     []Field
	// Version is assigned by the engine on every successful write, starting at 1.
	Version uint64
	// ExpiresAt is zero when the document never expires.
	ExpiresAt time.Time
}

// NewDocument builds a document whose fields follow the order of names, with
// values taken from the map.
func NewDocument(collection, id string, names []string, values map[string]any) (*Document, error) {
	doc := &Document{Collection: collection, ID: id, Fields: make([]Field, 0, len(names))}
	for _, name := range names {
		v, err := NewValue(values[name])
		if err != nil {
			return nil, fmt.Errorf("invalid value for field '%s': %w", name, err)
		}
		doc.Fields = append(doc.Fields, Field{Name: name, Value: v})
	}
	return doc, nil
}

// Get returns the value of the named field.
func (d *Document) Get(name string) (Value, bool) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return d.Fields[i].Value, true
		}
	}
	return Null, false
}

// Set replaces the named field in place or appends it.
func (d *Document) Set(name string, v Value) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: v})
}

// Unset removes the named field and reports whether it existed.
func (d *Document) Unset(name string) bool {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields = append(d.Fields[:i], d.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// Expired reports whether the document has an expiry at or before now.
func (d *Document) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Clone returns a deep copy. Value payloads are immutable so they are shared.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Fields = make([]Field, len(d.Fields))
	copy(cp.Fields, d.Fields)
	return &cp
}

// Equal compares identity, fields (in order), version and expiry.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Collection != o.Collection || d.ID != o.ID || d.Version != o.Version || !d.ExpiresAt.Equal(o.ExpiresAt) {
		return false
	}
	return d.SameFields(o)
}

// SameFields compares only the field lists.
func (d *Document) SameFields(o *Document) bool {
	if len(d.Fields) != len(o.Fields) {
		return false
	}
	for i := range d.Fields {
		if d.Fields[i].Name != o.Fields[i].Name || !d.Fields[i].Value.Equal(o.Fields[i].Value) {
			return false
		}
	}
	return true
}

const documentCodecVersion byte = 1

// EncodeDocument serializes the document body. Collection and ID are not part of
// the body; they are carried by the record that stores it.
//
// Layout: version byte | doc version u64 | expiry unix-nano i64 | uvarint field count |
// repeated (uvarint name length | name | value).
func EncodeDocument(d *Document) []byte {
	buf := make([]byte, 0, 32+len(d.Fields)*16)
	buf = append(buf, documentCodecVersion)
	buf = binary.BigEndian.AppendUint64(buf, d.Version)
	var exp int64
	if !d.ExpiresAt.IsZero() {
		exp = d.ExpiresAt.UnixNano()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(exp))
	buf = binary.AppendUvarint(buf, uint64(len(d.Fields)))
	for _, f := range d.Fields {
		buf = binary.AppendUvarint(buf, uint64(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = AppendValue(buf, f.Value)
	}
	return buf
}

// DecodeDocument is the inverse of EncodeDocument.
func DecodeDocument(collection, id string, data []byte) (*Document, error) {
	r := bytes.NewReader(data)
	ver, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read document codec version: %w", err)
	}
	if ver != documentCodecVersion {
		return nil, fmt.Errorf("unsupported document codec version %d", ver)
	}
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read document header: %w", err)
	}
	doc := &Document{
		Collection: collection,
		ID:         id,
		Version:    binary.BigEndian.Uint64(hdr[0:8]),
	}
	if exp := int64(binary.BigEndian.Uint64(hdr[8:16])); exp != 0 {
		doc.ExpiresAt = time.Unix(0, exp).UTC()
	}
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read field count: %w", err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("field count %d exceeds payload: %w", n, io.ErrUnexpectedEOF)
	}
	doc.Fields = make([]Field, 0, n)
	for i := uint64(0); i < n; i++ {
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read name length of field %d: %w", i, err)
		}
		if nameLen > uint64(r.Len()) {
			return nil, fmt.Errorf("name length of field %d exceeds payload: %w", i, io.ErrUnexpectedEOF)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("failed to read name of field %d: %w", i, err)
		}
		v, err := ReadValue(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode field '%s': %w", name, err)
		}
		doc.Fields = append(doc.Fields, Field{Name: string(name), Value: v})
	}
	return doc, nil
}
