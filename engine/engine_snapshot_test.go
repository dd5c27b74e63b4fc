package engine

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/index"
	"github.com/INLOpen/nexusdoc/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populateForSnapshot(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	mustCreateCollection(t, e, "users", CollectionOptions{Strategy: WriteAround})
	mustCreateCollection(t, e, "orders", CollectionOptions{})
	_, err := e.CreateIndex(ctx, "users", core.IndexDefinition{Name: "email", Fields: []string{"email"}, Unique: true})
	require.NoError(t, err)
	waitIndex(t, e, "users", "email")
	for i := 0; i < 10; i++ {
		mustWrite(t, e, "users", fmt.Sprintf("u%d", i), map[string]any{"email": fmt.Sprintf("u%d@example.com", i)})
	}
	for i := 0; i < 5; i++ {
		mustWrite(t, e, "orders", fmt.Sprintf("o%d", i), map[string]any{"total": i * 10})
	}
	_, err = e.Delete(ctx, "users", "u9", DeleteOptions{})
	require.NoError(t, err)
}

func TestEngine_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openEngineForTest(t, getBaseOptsForTest(t))
	populateForSnapshot(t, src)

	var buf bytes.Buffer
	meta, n, err := src.ExportSnapshot(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, src.wal.LastSeq(), meta.Seq)
	require.Len(t, meta.Collections, 2)

	dstOpts := getBaseOptsForTest(t)
	dst := openEngineForTest(t, dstOpts)
	mustCreateCollection(t, dst, "stale", CollectionOptions{})
	mustWrite(t, dst, "stale", "x", map[string]any{"v": 1})

	restored, err := dst.RestoreSnapshot(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, meta.Seq, restored.Seq)
	assert.Equal(t, []string{"orders", "users"}, dst.Collections())

	opts, err := dst.CollectionOptions("users")
	require.NoError(t, err)
	assert.Equal(t, WriteAround, opts.Strategy)
	count, err := dst.store.Count("users")
	require.NoError(t, err)
	assert.Equal(t, 9, count)
	assert.Equal(t, "u3@example.com", fieldString(t, mustRead(t, dst, "users", "u3"), "email"))

	waitIndex(t, dst, "users", "email")
	ids, err := dst.Lookup(ctx, "users", "email", index.MustKey("u4@example.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u4"}, ids)
	_, err = dst.Write(ctx, "users", "dup", newDoc(t, map[string]any{"email": "u1@example.com"}))
	require.ErrorIs(t, err, core.ErrUniqueConstraintViolation)

	// the restored state survives a crash without the snapshot
	crashEngine(t, dst)
	dst2 := openEngineForTest(t, dstOpts)
	assert.Equal(t, []string{"orders", "users"}, dst2.Collections())
	assert.NotNil(t, mustRead(t, dst2, "orders", "o4"))
	doc, err := dst2.Read(ctx, "users", "dup")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestEngine_RestoreCorruptSnapshotChangesNothing(t *testing.T) {
	ctx := context.Background()
	src := openEngineForTest(t, getBaseOptsForTest(t))
	populateForSnapshot(t, src)
	var buf bytes.Buffer
	_, _, err := src.ExportSnapshot(ctx, &buf)
	require.NoError(t, err)

	corrupt := bytes.Clone(buf.Bytes())
	corrupt[len(corrupt)/2] ^= 0xFF

	dst := openEngineForTest(t, getBaseOptsForTest(t))
	mustCreateCollection(t, dst, "keep", CollectionOptions{})
	mustWrite(t, dst, "keep", "1", map[string]any{"v": 1})

	_, err = dst.RestoreSnapshot(ctx, bytes.NewReader(corrupt))
	require.Error(t, err)
	assert.Equal(t, []string{"keep"}, dst.Collections())
	assert.NotNil(t, mustRead(t, dst, "keep", "1"))
	assert.NoError(t, dst.Degraded())

	_, err = dst.RestoreSnapshot(ctx, bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	require.Error(t, err, "a truncated snapshot is refused")
	assert.Equal(t, []string{"keep"}, dst.Collections())
}

func TestEngine_RestoreEncryptedSnapshotNeedsCipher(t *testing.T) {
	ctx := context.Background()
	srcOpts := getBaseOptsForTest(t)
	srcOpts.Cipher = xorCipher{key: 0x21}
	src := openEngineForTest(t, srcOpts)
	mustCreateCollection(t, src, "secrets", CollectionOptions{Encrypted: true})
	mustWrite(t, src, "secrets", "s1", map[string]any{"pin": "1234"})
	var buf bytes.Buffer
	_, _, err := src.ExportSnapshot(ctx, &buf)
	require.NoError(t, err)

	plain := openEngineForTest(t, getBaseOptsForTest(t))
	_, err = plain.RestoreSnapshot(ctx, bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	assert.Empty(t, plain.Collections())

	dstOpts := getBaseOptsForTest(t)
	dstOpts.Cipher = xorCipher{key: 0x42}
	dst := openEngineForTest(t, dstOpts)
	_, err = dst.RestoreSnapshot(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "1234", fieldString(t, mustRead(t, dst, "secrets", "s1"), "pin"))
}

func TestEngine_SnapshotFiles(t *testing.T) {
	ctx := context.Background()
	e := openEngineForTest(t, getBaseOptsForTest(t))
	populateForSnapshot(t, e)

	info, err := e.CreateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Collections)
	assert.Equal(t, 14, info.Documents)
	assert.FileExists(t, info.Path)

	mustWrite(t, e, "orders", "late", map[string]any{"total": 1})
	_, err = e.CreateSnapshot(ctx)
	require.NoError(t, err)
	list, err := e.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, info.ID, list[0].ID)

	meta, err := e.RestoreSnapshotFile(ctx, info.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Seq, meta.Seq)
	doc, err := e.Read(ctx, "orders", "late")
	require.NoError(t, err)
	assert.Nil(t, doc, "state rolled back to the first snapshot")

	pruned, err := e.PruneSnapshots(ctx, snapshot.PruneOptions{KeepN: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{info.ID}, pruned)
	list, err = e.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
