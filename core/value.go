package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// ValueKind identifies the type held by a Value. The numeric order of the
// kinds is the cross-type sort order used by indexes.
type ValueKind byte

const (
	ValueKindNull   ValueKind = 0x00
	ValueKindBool   ValueKind = 0x01
	ValueKindInt    ValueKind = 0x02
	ValueKindFloat  ValueKind = 0x03
	ValueKindString ValueKind = 0x04
	ValueKindBytes  ValueKind = 0x05
	ValueKindTime   ValueKind = 0x06
)

func (k ValueKind) String() string {
	switch k {
	case ValueKindNull:
		return "null"
	case ValueKindBool:
		return "bool"
	case ValueKindInt:
		return "int"
	case ValueKindFloat:
		return "float"
	case ValueKindString:
		return "string"
	case ValueKindBytes:
		return "bytes"
	case ValueKindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Value holds a typed document field value. The zero Value is Null.
type Value struct {
	kind ValueKind
	data any
}

// Null is the Null value.
var Null = Value{}

// NewValue wraps a Go value. Integers are promoted to int64, floats to float64.
func NewValue(data any) (Value, error) {
	switch v := data.(type) {
	case nil:
		return Null, nil
	case Value:
		return v, nil
	case bool:
		return Value{kind: ValueKindBool, data: v}, nil
	case int:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case int8:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case int16:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case int32:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case int64:
		return Value{kind: ValueKindInt, data: v}, nil
	case uint8:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case uint16:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case uint32:
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return Value{}, &UnsupportedTypeError{Message: fmt.Sprintf("unsigned value %d overflows int64", v)}
		}
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, &UnsupportedTypeError{Message: fmt.Sprintf("unsigned value %d overflows int64", v)}
		}
		return Value{kind: ValueKindInt, data: int64(v)}, nil
	case float32:
		return Value{kind: ValueKindFloat, data: float64(v)}, nil
	case float64:
		return Value{kind: ValueKindFloat, data: v}, nil
	case string:
		return Value{kind: ValueKindString, data: v}, nil
	case []byte:
		cp := make([]byte, len(v))
		copy(cp, v)
		return Value{kind: ValueKindBytes, data: cp}, nil
	case time.Time:
		return Value{kind: ValueKindTime, data: v.UTC()}, nil
	default:
		return Value{}, &UnsupportedTypeError{Message: fmt.Sprintf("unsupported value type: %T", data)}
	}
}

// MustValue is NewValue for literals known to be valid. It panics otherwise.
func MustValue(data any) Value {
	v, err := NewValue(data)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == ValueKindNull }

// Interface returns the underlying Go value.
func (v Value) Interface() any { return v.data }

func (v Value) Bool() (bool, bool) {
	b, ok := v.data.(bool)
	return b, ok
}

func (v Value) Int64() (int64, bool) {
	i, ok := v.data.(int64)
	return i, ok
}

func (v Value) Float64() (float64, bool) {
	f, ok := v.data.(float64)
	return f, ok
}

// Number returns int and float values as float64.
func (v Value) Number() (float64, bool) {
	switch x := v.data.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.kind {
	case ValueKindNull:
		return "null"
	case ValueKindString:
		return v.data.(string)
	case ValueKindBytes:
		return fmt.Sprintf("%x", v.data.([]byte))
	case ValueKindTime:
		return v.data.(time.Time).Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v.data)
	}
}

func (v Value) Str() (string, bool) {
	s, ok := v.data.(string)
	return s, ok
}

func (v Value) BytesValue() ([]byte, bool) {
	b, ok := v.data.([]byte)
	return b, ok
}

func (v Value) Time() (time.Time, bool) {
	t, ok := v.data.(time.Time)
	return t, ok
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.data)
}

// Equal reports whether two values are of the same kind and hold equal data.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	return Compare(v, o) == 0
}

// sortClass groups Int and Float together so numbers compare by magnitude.
func (k ValueKind) sortClass() int {
	switch k {
	case ValueKindNull:
		return 0
	case ValueKindBool:
		return 1
	case ValueKindInt, ValueKindFloat:
		return 2
	case ValueKindString:
		return 3
	case ValueKindBytes:
		return 4
	case ValueKindTime:
		return 5
	default:
		return 6
	}
}

// Compare defines a total order over values: null < bool < number < string < bytes < time.
// Ints and floats compare numerically; NaN sorts below every other number.
func Compare(a, b Value) int {
	ca, cb := a.kind.sortClass(), b.kind.sortClass()
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}
	switch a.kind {
	case ValueKindNull:
		return 0
	case ValueKindBool:
		ab, bb := a.data.(bool), b.data.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case ValueKindInt, ValueKindFloat:
		return compareNumbers(a, b)
	case ValueKindString:
		as, bs := a.data.(string), b.data.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	case ValueKindBytes:
		return bytes.Compare(a.data.([]byte), b.data.([]byte))
	case ValueKindTime:
		return a.data.(time.Time).Compare(b.data.(time.Time))
	}
	return 0
}

func compareNumbers(a, b Value) int {
	if a.kind == ValueKindInt && b.kind == ValueKindInt {
		ai, bi := a.data.(int64), b.data.(int64)
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	af, bf := toFloat(a), toFloat(b)
	aNaN, bNaN := math.IsNaN(af), math.IsNaN(bf)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	// Same magnitude as float: an int sorts before an equal float so the order stays total.
	if a.kind != b.kind {
		if a.kind == ValueKindInt {
			return -1
		}
		return 1
	}
	return 0
}

func toFloat(v Value) float64 {
	if v.kind == ValueKindInt {
		return float64(v.data.(int64))
	}
	return v.data.(float64)
}

// AppendValue appends the binary encoding (kind byte + payload) of v to buf.
func AppendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))
	var tmp [8]byte
	switch v.kind {
	case ValueKindBool:
		if v.data.(bool) {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case ValueKindInt:
		binary.BigEndian.PutUint64(tmp[:], uint64(v.data.(int64)))
		buf = append(buf, tmp[:]...)
	case ValueKindFloat:
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.data.(float64)))
		buf = append(buf, tmp[:]...)
	case ValueKindString:
		buf = binary.AppendUvarint(buf, uint64(len(v.data.(string))))
		buf = append(buf, v.data.(string)...)
	case ValueKindBytes:
		buf = binary.AppendUvarint(buf, uint64(len(v.data.([]byte))))
		buf = append(buf, v.data.([]byte)...)
	case ValueKindTime:
		binary.BigEndian.PutUint64(tmp[:], uint64(v.data.(time.Time).UnixNano()))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// ReadValue decodes a value previously written by AppendValue.
func ReadValue(r *bytes.Reader) (Value, error) {
	kb, err := r.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("failed to read value kind: %w", err)
	}
	kind := ValueKind(kb)
	var tmp [8]byte
	switch kind {
	case ValueKindNull:
		return Null, nil
	case ValueKindBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, fmt.Errorf("failed to read bool: %w", err)
		}
		return Value{kind: kind, data: b == 1}, nil
	case ValueKindInt, ValueKindFloat, ValueKindTime:
		if _, err := io.ReadFull(r, tmp[:]); err != nil {
			return Value{}, fmt.Errorf("failed to read %s: %w", kind, err)
		}
		u := binary.BigEndian.Uint64(tmp[:])
		switch kind {
		case ValueKindInt:
			return Value{kind: kind, data: int64(u)}, nil
		case ValueKindFloat:
			return Value{kind: kind, data: math.Float64frombits(u)}, nil
		default:
			return Value{kind: kind, data: time.Unix(0, int64(u)).UTC()}, nil
		}
	case ValueKindString, ValueKindBytes:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, fmt.Errorf("failed to read %s length: %w", kind, err)
		}
		if n > uint64(r.Len()) {
			return Value{}, fmt.Errorf("%s length %d exceeds remaining %d bytes: %w", kind, n, r.Len(), io.ErrUnexpectedEOF)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return Value{}, fmt.Errorf("failed to read %s data: %w", kind, err)
		}
		if kind == ValueKindString {
			return Value{kind: kind, data: string(b)}, nil
		}
		return Value{kind: kind, data: b}, nil
	default:
		return Value{}, &UnsupportedTypeError{Message: fmt.Sprintf("unknown value kind 0x%02x", kb)}
	}
}
