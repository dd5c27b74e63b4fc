package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreOptions(dir string) Options {
	return Options{
		Dir:    dir,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDoc(t *testing.T, id string, name string, age int) *core.Document {
	t.Helper()
	doc, err := core.NewDocument("users", id, []string{"name", "age"}, map[string]any{"name": name, "age": age})
	require.NoError(t, err)
	return doc
}

func TestStore_PutGetDelete(t *testing.T) {
	s := openTestStore(t, testStoreOptions(t.TempDir()))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))

	doc := testDoc(t, "u1", "alice", 30)
	applied, err := s.Put(doc, 1)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.Get("users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, doc.Equal(got))

	missing, err := s.Get("users", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	existed, err := s.Delete("users", "u1", 2)
	require.NoError(t, err)
	assert.True(t, existed)
	got, err = s.Get("users", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	existed, err = s.Delete("users", "u1", 3)
	require.NoError(t, err)
	assert.False(t, existed, "deleting a deleted document is a no-op")

	_, err = s.Get("orders", "x")
	assert.ErrorIs(t, err, core.ErrCollectionNotFound)
	assert.Equal(t, uint64(2), s.AppliedSeq())
}

func TestStore_ReplayIsIdempotent(t *testing.T) {
	s := openTestStore(t, testStoreOptions(t.TempDir()))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))

	_, err := s.Put(testDoc(t, "u1", "new", 2), 10)
	require.NoError(t, err)

	applied, err := s.Put(testDoc(t, "u1", "old", 1), 5)
	require.NoError(t, err)
	assert.False(t, applied, "an older entry never overwrites a newer record")
	applied, err = s.Put(testDoc(t, "u1", "same", 1), 10)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Get("users", "u1")
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "new", name.String())

	existed, err := s.Delete("users", "u1", 9)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStore_ReopenRebuildsKeydir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(testStoreOptions(dir))
	require.NoError(t, err)
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	for i := 0; i < 20; i++ {
		_, err := s.Put(testDoc(t, fmt.Sprintf("u%02d", i), "n", i), uint64(i+1))
		require.NoError(t, err)
	}
	_, err = s.Delete("users", "u05", 21)
	require.NoError(t, err)
	_, err = s.Put(testDoc(t, "u06", "updated", 99), 22)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, testStoreOptions(dir))
	assert.Equal(t, []string{"users"}, s2.Collections())
	assert.Equal(t, uint64(22), s2.AppliedSeq())
	n, err := s2.Count("users")
	require.NoError(t, err)
	assert.Equal(t, 19, n)

	got, err := s2.Get("users", "u05")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s2.Get("users", "u06")
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "updated", name.String())
}

func TestStore_TornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(testStoreOptions(dir))
	require.NoError(t, err)
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	_, err = s.Put(testDoc(t, "u1", "a", 1), 1)
	require.NoError(t, err)
	_, err = s.Put(testDoc(t, "u2", "b", 2), 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "users", core.DataLogFileName)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-5))

	s2 := openTestStore(t, testStoreOptions(dir))
	got, err := s2.Get("users", "u1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = s2.Get("users", "u2")
	require.NoError(t, err)
	assert.Nil(t, got, "the torn record is dropped")

	_, err = s2.Put(testDoc(t, "u2", "b", 2), 2)
	require.NoError(t, err, "appends continue after the truncation point")
	got, err = s2.Get("users", "u2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStore_Compression(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			dir := t.TempDir()
			opts := testStoreOptions(dir)
			opts.Compression = ct
			s, err := Open(opts)
			require.NoError(t, err)
			require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
			doc := testDoc(t, "u1", "a fairly repetitive name name name name name", 7)
			_, err = s.Put(doc, 1)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			// records carry their own compression type, so any reader setting works
			s2 := openTestStore(t, testStoreOptions(dir))
			require.NoError(t, s2.EnsureCollection("users", CollectionOptions{}))
			got, err := s2.Get("users", "u1")
			require.NoError(t, err)
			assert.True(t, doc.Equal(got))
		})
	}
}

func TestStore_ScanInIDOrder(t *testing.T) {
	s := openTestStore(t, testStoreOptions(t.TempDir()))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	for i, id := range []string{"c", "a", "d", "b"} {
		_, err := s.Put(testDoc(t, id, id, i), uint64(i+1))
		require.NoError(t, err)
	}
	_, err := s.Delete("users", "d", 5)
	require.NoError(t, err)

	it, err := s.Scan("users")
	require.NoError(t, err)
	defer it.Close()

	// deleted after the scan started: skipped when reached
	_, err = s.Delete("users", "c", 6)
	require.NoError(t, err)

	var ids []string
	for it.Next() {
		ids = append(ids, it.Document().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStore_IDsAndRecent(t *testing.T) {
	s := openTestStore(t, testStoreOptions(t.TempDir()))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	require.NoError(t, s.EnsureCollection("orders", CollectionOptions{}))

	_, err := s.Put(testDoc(t, "b", "b", 1), 1)
	require.NoError(t, err)
	_, err = s.Put(testDoc(t, "a", "a", 2), 2)
	require.NoError(t, err)
	order, err := core.NewDocument("orders", "o1", []string{"total"}, map[string]any{"total": 3})
	require.NoError(t, err)
	_, err = s.Put(order, 3)
	require.NoError(t, err)
	_, err = s.Delete("users", "b", 4)
	require.NoError(t, err)

	ids, err := s.IDs("users")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	assert.Equal(t, []Ref{
		{Collection: "orders", ID: "o1", Seq: 3},
		{Collection: "users", ID: "a", Seq: 2},
	}, s.Recent(0))
	assert.Len(t, s.Recent(1), 1)

	_, err = s.IDs("nope")
	assert.ErrorIs(t, err, core.ErrCollectionNotFound)

	seq, found, err := s.RecordSeq("users", "b")
	require.NoError(t, err)
	assert.True(t, found, "tombstones keep their sequence number")
	assert.Equal(t, uint64(4), seq)
	_, found, err = s.RecordSeq("users", "zz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Compact(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(testStoreOptions(dir))
	require.NoError(t, err)
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))

	seq := uint64(0)
	for round := 0; round < 5; round++ {
		for i := 0; i < 10; i++ {
			seq++
			_, err := s.Put(testDoc(t, fmt.Sprintf("u%d", i), fmt.Sprintf("r%d", round), i), seq)
			require.NoError(t, err)
		}
	}
	seq++
	_, err = s.Delete("users", "u9", seq)
	require.NoError(t, err)

	ratio, err := s.GarbageRatio("users")
	require.NoError(t, err)
	assert.Greater(t, ratio, 0.7)
	before, err := s.Stats("users")
	require.NoError(t, err)

	res, err := s.Compact(context.Background(), "users", false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 9, res.LiveRecords)
	assert.Less(t, res.BytesWritten, before.FileBytes)

	after, err := s.Stats("users")
	require.NoError(t, err)
	assert.Zero(t, after.GarbageRatio)
	assert.Equal(t, 9, after.Live)

	res, err = s.Compact(context.Background(), "users", false)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "a clean file is not rewritten")

	seq++
	_, err = s.Put(testDoc(t, "u10", "post", 10), seq)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, testStoreOptions(dir))
	n, err := s2.Count("users")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	got, err := s2.Get("users", "u3")
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "r4", name.String())
}

type xorCipher struct{ key byte }

func (c xorCipher) Seal(collection, id string, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext)+1)
	out[0] = c.key
	for i, b := range plaintext {
		out[i+1] = b ^ c.key
	}
	return out, nil
}

func (c xorCipher) Open(collection, id string, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	key := stored[0]
	out := make([]byte, len(stored)-1)
	for i, b := range stored[1:] {
		out[i] = b ^ key
	}
	return out, nil
}

func TestStore_EncryptionCapability(t *testing.T) {
	opts := testStoreOptions(t.TempDir())
	opts.Cipher = xorCipher{key: 0x5A}
	s := openTestStore(t, opts)
	require.NoError(t, s.EnsureCollection("secrets", CollectionOptions{Encrypted: true}))
	require.NoError(t, s.EnsureCollection("plain", CollectionOptions{}))

	assert.True(t, s.EncryptionEligible("secrets"))
	assert.False(t, s.EncryptionEligible("plain"))
	assert.False(t, s.EncryptionEligible("missing"))
	assert.Equal(t, []string{"secrets"}, s.EligibleCollections())

	doc, err := core.NewDocument("secrets", "k1", []string{"token"}, map[string]any{"token": "hunter2"})
	require.NoError(t, err)
	_, err = s.Put(doc, 1)
	require.NoError(t, err)

	var refs []EncryptedRef
	require.NoError(t, s.EncryptedRefs("secrets", func(ref EncryptedRef) error {
		refs = append(refs, ref)
		return nil
	}))
	require.Len(t, refs, 1)
	assert.Equal(t, byte(0x5A), refs[0].Stored[0])
	assert.NotContains(t, string(refs[0].Stored), "hunter2")

	// rotate to a new key: open with the old bytes, seal with the new key
	plain, err := xorCipher{}.Open("secrets", "k1", refs[0].Stored)
	require.NoError(t, err)
	resealed, err := xorCipher{key: 0x33}.Seal("secrets", "k1", plain)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceStored("secrets", "k1", resealed, 2))

	got, err := s.Get("secrets", "k1")
	require.NoError(t, err)
	assert.True(t, doc.Equal(got))

	assert.Error(t, s.ReplaceStored("plain", "k1", resealed, 3))
	assert.ErrorIs(t, s.ReplaceStored("secrets", "nope", resealed, 3), core.ErrKeyNotFound)
	assert.Error(t, s.EncryptedRefs("plain", func(EncryptedRef) error { return nil }))
}

func TestStore_Restore(t *testing.T) {
	s := openTestStore(t, testStoreOptions(t.TempDir()))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	_, err := s.Put(testDoc(t, "old", "gone", 1), 1)
	require.NoError(t, err)

	docs := []*core.Document{testDoc(t, "a", "x", 1), testDoc(t, "b", "y", 2)}
	require.NoError(t, s.Restore("users", 50, docs))

	n, err := s.Count("users")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err := s.Get("users", "old")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, uint64(50), s.AppliedSeq())
}

func TestStore_FailedWriteLeavesNoPartialRecord(t *testing.T) {
	dir := t.TempDir()
	faults := &sys.Faults{Match: filepath.Join(dir, "users")}
	restore := sys.InjectFaults(faults)
	defer restore()

	s := openTestStore(t, testStoreOptions(dir))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	_, err := s.Put(testDoc(t, "u1", "a", 1), 1)
	require.NoError(t, err)

	faults.FailWrites(errors.New("injected write failure"))
	_, err = s.Put(testDoc(t, "u2", "b", 2), 2)
	require.Error(t, err)
	faults.FailWrites(nil)

	got, err := s.Get("users", "u2")
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = s.Put(testDoc(t, "u2", "b", 2), 2)
	require.NoError(t, err)
	got, err = s.Get("users", "u1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStore_DropCollection(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, testStoreOptions(dir))
	require.NoError(t, s.EnsureCollection("users", CollectionOptions{}))
	require.NoError(t, s.DropCollection("users"))
	assert.False(t, s.HasCollection("users"))
	_, err := os.Stat(filepath.Join(dir, "users"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, s.DropCollection("users"), core.ErrCollectionNotFound)
}
