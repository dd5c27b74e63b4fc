package core

import (
	"bytes"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValue_Kinds(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	testCases := []struct {
		name string
		in   any
		kind ValueKind
	}{
		{"nil", nil, ValueKindNull},
		{"bool", true, ValueKindBool},
		{"int", 42, ValueKindInt},
		{"int32", int32(-7), ValueKindInt},
		{"uint16", uint16(9), ValueKindInt},
		{"float32", float32(1.5), ValueKindFloat},
		{"float64", 2.25, ValueKindFloat},
		{"string", "x", ValueKindString},
		{"bytes", []byte{1, 2}, ValueKindBytes},
		{"time", ts, ValueKindTime},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewValue(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, v.Kind())
		})
	}

	_, err := NewValue(uint64(math.MaxUint64))
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err))

	_, err = NewValue(struct{}{})
	require.Error(t, err)
	assert.True(t, IsUnsupportedError(err))
}

func TestCompare_TotalOrder(t *testing.T) {
	ordered := []Value{
		Null,
		MustValue(false),
		MustValue(true),
		MustValue(math.NaN()),
		MustValue(-10),
		MustValue(-2.5),
		MustValue(0),
		MustValue(0.0),
		MustValue(3),
		MustValue(3.5),
		MustValue(""),
		MustValue("a"),
		MustValue("b"),
		MustValue([]byte{0}),
		MustValue(time.Unix(0, 0)),
		MustValue(time.Unix(10, 0)),
	}
	for i := range ordered {
		for j := range ordered {
			got := Compare(ordered[i], ordered[j])
			switch {
			case i < j:
				assert.Equal(t, -1, got, "expected %v < %v", ordered[i], ordered[j])
			case i > j:
				assert.Equal(t, 1, got, "expected %v > %v", ordered[i], ordered[j])
			default:
				assert.Equal(t, 0, got)
			}
		}
	}

	shuffled := []Value{MustValue("b"), MustValue(2), Null, MustValue(1.5), MustValue(true)}
	sort.Slice(shuffled, func(i, j int) bool { return Compare(shuffled[i], shuffled[j]) < 0 })
	assert.Equal(t, []Value{Null, MustValue(true), MustValue(1.5), MustValue(2), MustValue("b")}, shuffled)
}

func TestValue_EncodeDecode(t *testing.T) {
	values := []Value{
		Null,
		MustValue(true),
		MustValue(int64(-1 << 40)),
		MustValue(math.Inf(-1)),
		MustValue("héllo"),
		MustValue([]byte("raw")),
		MustValue(time.Date(2030, 1, 2, 3, 4, 5, 6, time.UTC)),
	}
	var buf []byte
	for _, v := range values {
		buf = AppendValue(buf, v)
	}
	r := bytes.NewReader(buf)
	for _, want := range values {
		got, err := ReadValue(r)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "want %v got %v", want, got)
	}
	assert.Zero(t, r.Len())

	_, err := ReadValue(bytes.NewReader([]byte{byte(ValueKindString), 10, 'a'}))
	require.Error(t, err)
}
