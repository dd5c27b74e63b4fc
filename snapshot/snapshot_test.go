package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	seq  uint64
	cols map[string][]*core.Document
	// order of collections in the metadata
	names []string
	// lie makes the announced count disagree with the scan
	lie bool
}

func (s *memSource) SnapshotMetadata(context.Context) (Metadata, error) {
	meta := Metadata{Seq: s.seq}
	for _, name := range s.names {
		n := len(s.cols[name])
		if s.lie {
			n++
		}
		meta.Collections = append(meta.Collections, CollectionMeta{
			Name:      name,
			Options:   json.RawMessage(`{"strategy":"write_through"}`),
			Indexes:   []core.IndexDefinition{{Name: "email_1", Fields: []string{"email"}, Unique: true, Status: core.IndexReady}},
			Documents: n,
		})
	}
	return meta, nil
}

func (s *memSource) ScanCollection(_ context.Context, name string, fn func(*core.Document) error) error {
	for _, d := range s.cols[name] {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

type memSink struct {
	meta      Metadata
	staged    map[string][]*core.Document
	committed bool
	aborted   bool
}

func (s *memSink) Begin(_ context.Context, meta Metadata) error {
	s.meta = meta
	s.staged = map[string][]*core.Document{}
	return nil
}

func (s *memSink) Document(_ context.Context, c string, d *core.Document) error {
	s.staged[c] = append(s.staged[c], d)
	return nil
}

func (s *memSink) Commit(context.Context) error { s.committed = true; return nil }
func (s *memSink) Abort(context.Context)        { s.aborted = true }

func testSource(t *testing.T) *memSource {
	t.Helper()
	src := &memSource{seq: 42, names: []string{"users", "empty", "orders"}, cols: map[string][]*core.Document{}}
	for i := 0; i < 25; i++ {
		d, err := core.NewDocument("users", fmt.Sprintf("u%02d", i), []string{"email", "age"},
			map[string]any{"email": fmt.Sprintf("u%d@x", i), "age": i})
		require.NoError(t, err)
		d.Version = uint64(i + 1)
		src.cols["users"] = append(src.cols["users"], d)
	}
	o, err := core.NewDocument("orders", "o1", []string{"total", "raw"}, map[string]any{"total": 9.5, "raw": []byte{1, 2}})
	require.NoError(t, err)
	o.ExpiresAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	src.cols["orders"] = []*core.Document{o}
	return src
}

func TestWriteRead(t *testing.T) {
	src := testSource(t)
	var buf bytes.Buffer
	meta, n, err := Write(context.Background(), &buf, src)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, uint64(42), meta.Seq)

	sink := &memSink{}
	got, err := Read(context.Background(), bytes.NewReader(buf.Bytes()), sink)
	require.NoError(t, err)
	assert.True(t, sink.committed)
	assert.False(t, sink.aborted)
	assert.Equal(t, uint64(42), got.Seq)
	require.Len(t, got.Collections, 3)
	assert.Equal(t, "users", got.Collections[0].Name)
	assert.JSONEq(t, `{"strategy":"write_through"}`, string(got.Collections[0].Options))
	assert.Equal(t, "email_1", got.Collections[0].Indexes[0].Name)

	for _, name := range src.names {
		want := src.cols[name]
		require.Len(t, sink.staged[name], len(want), name)
		for i := range want {
			assert.True(t, want[i].Equal(sink.staged[name][i]), "%s/%s", name, want[i].ID)
		}
	}

	head, err := ReadMetadata(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, got.Seq, head.Seq)
	assert.Equal(t, 25, head.Collections[0].Documents)
}

func TestRead_CorruptionAborts(t *testing.T) {
	var buf bytes.Buffer
	_, _, err := Write(context.Background(), &buf, testSource(t))
	require.NoError(t, err)
	data := buf.Bytes()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped body byte", func(b []byte) []byte { b[len(b)/2] ^= 0xFF; return b }},
		{"flipped footer", func(b []byte) []byte { b[len(b)-1] ^= 0x01; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-10] }},
		{"no footer", func(b []byte) []byte { return b[:len(b)-4] }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := &memSink{}
			_, err := Read(context.Background(), bytes.NewReader(tc.mutate(bytes.Clone(data))), sink)
			require.Error(t, err)
			assert.False(t, sink.committed, "a corrupt snapshot must never be committed")
		})
	}

	t.Run("bad magic", func(t *testing.T) {
		b := bytes.Clone(data)
		b[0] ^= 0xFF
		sink := &memSink{}
		_, err := Read(context.Background(), bytes.NewReader(b), sink)
		assert.ErrorIs(t, err, ErrBadMagic)
		assert.False(t, sink.aborted, "nothing was begun")
	})
}

func TestWrite_CountMismatch(t *testing.T) {
	src := testSource(t)
	src.lie = true
	_, _, err := Write(context.Background(), &bytes.Buffer{}, src)
	assert.Error(t, err)
}

func TestManager_CreateListPrune(t *testing.T) {
	dir := t.TempDir()
	clock := core.NewMockClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(ManagerOptions{Dir: dir, Clock: clock})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		info, err := m.CreateFull(ctx, testSource(t))
		require.NoError(t, err)
		assert.Equal(t, 26, info.Documents)
		assert.Equal(t, 3, info.Collections)
		ids = append(ids, info.ID)
		require.NoError(t, m.Validate(ctx, info.Path))
		clock.Advance(24 * time.Hour)
	}
	// junk and leftovers are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"+FileExtension), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.tmp"), []byte("nope"), 0o644))

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 4)
	for i, info := range infos {
		assert.Equal(t, ids[i], info.ID)
		assert.Equal(t, uint64(42), info.Seq)
	}

	// the newest two are kept even though everything is older than a day
	deleted, err := m.Prune(ctx, PruneOptions{KeepN: 2, PruneOlderThan: time.Hour})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[:2], deleted)

	infos, err = m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, ids[2], infos[0].ID)

	_, err = m.Prune(ctx, PruneOptions{KeepN: -1})
	assert.Error(t, err)
	deleted, err = m.Prune(ctx, PruneOptions{})
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestManager_ValidateDetectsCorruption(t *testing.T) {
	m := NewManager(ManagerOptions{Dir: t.TempDir()})
	info, err := m.CreateFull(context.Background(), testSource(t))
	require.NoError(t, err)

	data, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	data[len(data)-20] ^= 0x55
	require.NoError(t, os.WriteFile(info.Path, data, 0o644))
	assert.ErrorIs(t, m.Validate(context.Background(), info.Path), ErrCorrupt)
}
