package index

import (
	"strings"

	"github.com/INLOpen/nexusdoc/core"
)

// Key is the tuple of indexed field values of one document, in the order of
// the index definition's fields.
type Key []core.Value

// NewKey builds a key from Go values.
func NewKey(values ...any) (Key, error) {
	k := make(Key, len(values))
	for i, v := range values {
		cv, err := core.NewValue(v)
		if err != nil {
			return nil, err
		}
		k[i] = cv
	}
	return k, nil
}

// MustKey is NewKey that panics on unsupported values. For tests and literals.
func MustKey(values ...any) Key {
	k, err := NewKey(values...)
	if err != nil {
		panic(err)
	}
	return k
}

// KeyOf extracts the key for fields from doc. A missing field is Null.
func KeyOf(doc *core.Document, fields []string) Key {
	k := make(Key, len(fields))
	for i, f := range fields {
		v, _ := doc.Get(f)
		k[i] = v
	}
	return k
}

// CompareKeys orders keys lexicographically over their components. A key that
// is a strict prefix of another sorts first.
func CompareKeys(a, b Key) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := core.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// comparePrefix compares k against bound using only the first len(bound)
// components, so a short bound on a compound index matches every key that
// starts with it.
func comparePrefix(k, bound Key) int {
	if len(k) > len(bound) {
		k = k[:len(bound)]
	}
	return CompareKeys(k, bound)
}

// Equal reports whether both keys hold equal components.
func (k Key) Equal(o Key) bool { return CompareKeys(k, o) == 0 }

// Size is the encoded size of the key in bytes.
func (k Key) Size() int {
	var n int
	buf := make([]byte, 0, 32)
	for _, v := range k {
		buf = core.AppendValue(buf[:0], v)
		n += len(buf)
	}
	return n
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Bound is one end of a range scan. A nil *Bound leaves that end open.
type Bound struct {
	Key       Key
	Inclusive bool
}

// Inclusive and Exclusive build bounds from Go values.
func Inclusive(values ...any) *Bound { return &Bound{Key: MustKey(values...), Inclusive: true} }
func Exclusive(values ...any) *Bound { return &Bound{Key: MustKey(values...)} }

func (b *Bound) admitsLower(k Key) bool {
	c := comparePrefix(k, b.Key)
	return c > 0 || (c == 0 && b.Inclusive)
}

func (b *Bound) admitsUpper(k Key) bool {
	c := comparePrefix(k, b.Key)
	return c < 0 || (c == 0 && b.Inclusive)
}
