package index

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, fields []string, unique bool) *Index {
	t.Helper()
	m := NewManager("users", ManagerOptions{Degree: 3})
	idx, err := m.Create(core.IndexDefinition{Fields: fields, Unique: unique, Status: core.IndexReady})
	require.NoError(t, err)
	return idx
}

func doc(id string, kv ...any) *core.Document {
	d := &core.Document{Collection: "users", ID: id}
	for i := 0; i+1 < len(kv); i += 2 {
		d.Set(kv[i].(string), core.MustValue(kv[i+1]))
	}
	return d
}

func TestIndex_UniqueViolation(t *testing.T) {
	idx := newTestIndex(t, []string{"email"}, true)

	require.NoError(t, idx.Insert(MustKey("x"), "A"))
	require.NoError(t, idx.Insert(MustKey("x"), "A"), "reinserting the same pair is a no-op")

	err := idx.Insert(MustKey("x"), "B")
	require.Error(t, err)
	assert.True(t, core.IsUniqueViolation(err))
	var uerr *core.UniqueConstraintError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "A", uerr.ExistingDocID)
	assert.Equal(t, "B", uerr.RejectedDocID)
	assert.Equal(t, "email_1", uerr.Index)

	assert.Equal(t, []string{"A"}, idx.Lookup(MustKey("x")))
	assert.Equal(t, 1, idx.Len())

	// once A releases the key, B may take it
	assert.True(t, idx.Remove(MustKey("x"), "A"))
	require.NoError(t, idx.Insert(MustKey("x"), "B"))
	assert.Equal(t, []string{"B"}, idx.Lookup(MustKey("x")))
}

func TestIndex_MissingFieldIsNullKey(t *testing.T) {
	testCases := []struct {
		name    string
		first   *core.Document
		second  *core.Document
		wantErr bool
	}{
		{name: "two documents without the field", first: doc("A"), second: doc("B"), wantErr: true},
		{name: "missing and explicit null", first: doc("A"), second: doc("B", "email", nil), wantErr: true},
		{name: "missing and present", first: doc("A"), second: doc("B", "email", "b@x")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager("users", ManagerOptions{})
			idx, err := m.Create(core.IndexDefinition{Fields: []string{"email"}, Unique: true, Status: core.IndexReady})
			require.NoError(t, err)

			assert.Equal(t, MustKey(nil), idx.KeyOf(tc.first))
			require.NoError(t, m.OnPut(nil, tc.first))
			err = m.OnPut(nil, tc.second)
			if tc.wantErr {
				assert.True(t, core.IsUniqueViolation(err))
				assert.Equal(t, []string{"A"}, idx.Lookup(MustKey(nil)))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIndex_UniqueUnderConcurrency(t *testing.T) {
	idx := newTestIndex(t, []string{"email"}, true)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[string][]string{}
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				key := fmt.Sprintf("k%d", k)
				id := fmt.Sprintf("doc-%d-%d", w, k)
				if err := idx.Insert(MustKey(key), id); err == nil {
					mu.Lock()
					winners[key] = append(winners[key], id)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	require.Len(t, winners, 20)
	for key, ids := range winners {
		assert.Len(t, ids, 1, key)
		assert.Equal(t, ids, idx.Lookup(MustKey(key)))
	}
}

func TestIndex_NonUnique(t *testing.T) {
	idx := newTestIndex(t, []string{"city"}, false)
	require.NoError(t, idx.Insert(MustKey("paris"), "c"))
	require.NoError(t, idx.Insert(MustKey("paris"), "a"))
	require.NoError(t, idx.Insert(MustKey("oslo"), "b"))
	assert.Equal(t, []string{"a", "c"}, idx.Lookup(MustKey("paris")))
	assert.Equal(t, 3, idx.Len())

	assert.False(t, idx.Remove(MustKey("paris"), "zzz"))
	assert.True(t, idx.Remove(MustKey("paris"), "a"))
	assert.Equal(t, []string{"c"}, idx.Lookup(MustKey("paris")))
	assert.True(t, idx.Remove(MustKey("paris"), "c"))
	assert.Nil(t, idx.Lookup(MustKey("paris")))
	assert.Equal(t, 1, idx.Stats().DistinctKeys)
}

// A range scan over the index must return the same ids, in the same order,
// as filtering and sorting the documents directly.
func TestIndex_RangeScanMatchesFilteredScan(t *testing.T) {
	idx := newTestIndex(t, []string{"age"}, false)
	rng := rand.New(rand.NewSource(7))
	type row struct {
		id  string
		age int
	}
	var rows []row
	for i := 0; i < 400; i++ {
		r := row{id: fmt.Sprintf("u%03d", i), age: rng.Intn(90)}
		rows = append(rows, r)
		require.NoError(t, idx.Insert(MustKey(r.age), r.id))
	}

	tests := []struct {
		name         string
		lower, upper *Bound
		keep         func(age int) bool
	}{
		{"closed", Inclusive(20), Inclusive(30), func(a int) bool { return a >= 20 && a <= 30 }},
		{"half open", Inclusive(20), Exclusive(30), func(a int) bool { return a >= 20 && a < 30 }},
		{"open lower", nil, Exclusive(10), func(a int) bool { return a < 10 }},
		{"open upper", Exclusive(80), nil, func(a int) bool { return a > 80 }},
		{"everything", nil, nil, func(int) bool { return true }},
		{"empty", Inclusive(50), Exclusive(50), func(int) bool { return false }},
		{"float bound", Inclusive(19.5), Inclusive(21.0), func(a int) bool { return a >= 20 && a <= 21 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var want []row
			for _, r := range rows {
				if tc.keep(r.age) {
					want = append(want, r)
				}
			}
			slices.SortFunc(want, func(a, b row) int {
				if a.age != b.age {
					return a.age - b.age
				}
				return compareStrings(a.id, b.id)
			})
			var wantIDs []string
			for _, r := range want {
				wantIDs = append(wantIDs, r.id)
			}

			it := idx.RangeScan(tc.lower, tc.upper)
			var got []string
			var prev Key
			for it.Next() {
				if prev != nil {
					require.LessOrEqual(t, CompareKeys(prev, it.Key()), 0)
				}
				prev = it.Key()
				got = append(got, it.DocID())
			}
			assert.Equal(t, wantIDs, got)
		})
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func TestIndex_CompoundPrefixBounds(t *testing.T) {
	idx := newTestIndex(t, []string{"last", "first"}, true)
	people := []struct{ id, last, first string }{
		{"1", "doe", "jane"},
		{"2", "doe", "john"},
		{"3", "roe", "rick"},
		{"4", "adams", "ann"},
	}
	for _, p := range people {
		require.NoError(t, idx.Insert(MustKey(p.last, p.first), p.id))
	}

	assert.Equal(t, []string{"1", "2"}, idx.RangeScan(Inclusive("doe"), Inclusive("doe")).Collect())
	assert.Equal(t, []string{"3"}, idx.RangeScan(Exclusive("doe"), nil).Collect())
	assert.Equal(t, []string{"4"}, idx.RangeScan(nil, Exclusive("doe")).Collect())
	assert.Equal(t, []string{"2"}, idx.RangeScan(Exclusive("doe", "jane"), Inclusive("doe")).Collect())

	err := idx.Insert(MustKey("doe", "jane"), "5")
	assert.True(t, core.IsUniqueViolation(err))
	require.NoError(t, idx.Insert(MustKey("doe", "jim"), "5"))
}

func TestIndex_RangeScanIsSnapshot(t *testing.T) {
	idx := newTestIndex(t, []string{"n"}, false)
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Insert(MustKey(i), fmt.Sprintf("d%d", i)))
	}
	it := idx.RangeScan(nil, nil)
	require.True(t, it.Next())
	for i := 0; i < 10; i++ {
		idx.Remove(MustKey(i), fmt.Sprintf("d%d", i))
	}
	require.NoError(t, idx.Insert(MustKey(100), "late"))

	got := []string{it.DocID()}
	for it.Next() {
		got = append(got, it.DocID())
	}
	assert.Len(t, got, 10)
	assert.NotContains(t, got, "late")
}

func TestIndex_Stats(t *testing.T) {
	idx := newTestIndex(t, []string{"tag"}, false)
	for i := 0; i < 200; i++ {
		require.NoError(t, idx.Insert(MustKey(fmt.Sprintf("t%d", i%20)), fmt.Sprintf("d%d", i)))
	}
	s := idx.Stats()
	assert.Equal(t, "users", s.Collection)
	assert.Equal(t, "tag_1", s.Name)
	assert.Equal(t, core.IndexReady, s.Status)
	assert.Equal(t, 200, s.Entries)
	assert.Equal(t, 20, s.DistinctKeys)
	assert.InDelta(t, 0.1, s.Selectivity, 1e-9)
	assert.GreaterOrEqual(t, s.Height, 2)
	assert.Greater(t, s.Nodes, 1)
	assert.Greater(t, s.AvgKeySize, 0.0)
	assert.Greater(t, s.P99KeySize, 0.0)
	assert.Equal(t, s.Entries*s.Height, s.RebuildCost)
}

func TestKey_Compare(t *testing.T) {
	tests := []struct {
		a, b Key
		want int
	}{
		{MustKey(1), MustKey(2), -1},
		{MustKey(2), MustKey(1.5), 1},
		{MustKey(nil), MustKey(false), -1},
		{MustKey("a", 1), MustKey("a", 2), -1},
		{MustKey("a"), MustKey("a", 1), -1},
		{MustKey("b"), MustKey("a", 9), 1},
		{MustKey(3, "x"), MustKey(3.0, "x"), 0},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s vs %s", tc.a, tc.b), func(t *testing.T) {
			assert.Equal(t, tc.want, CompareKeys(tc.a, tc.b))
		})
	}

	d := doc("1", "last", "doe")
	k := KeyOf(d, []string{"last", "first"})
	assert.True(t, k[1].IsNull(), "missing fields index as null")
}
