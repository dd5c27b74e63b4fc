package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeProbe reports fixed resource readings.
type fakeProbe struct {
	mu      sync.Mutex
	memUsed float64
	free    uint64
}

func (p *fakeProbe) set(memUsed float64, free uint64) {
	p.mu.Lock()
	p.memUsed, p.free = memUsed, free
	p.mu.Unlock()
}

func (p *fakeProbe) MemoryUsedPercent() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memUsed, nil
}

func (p *fakeProbe) FreeDiskBytes(string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free, nil
}

// getBaseOptsForTest returns options for a fresh data directory with every
// background loop disabled and fsync on every write.
func getBaseOptsForTest(t *testing.T) Options {
	t.Helper()
	return Options{
		DataDir:       t.TempDir(),
		WALSyncMode:   core.WALSyncEveryWrite,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		ResourceProbe: &fakeProbe{memUsed: 10, free: 1 << 40},
	}
}

func openEngineForTest(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// crashEngine stops e the way a killed process would: no final checkpoint,
// and the active WAL segment is left without its footer for the next Open to
// recover.
func crashEngine(t *testing.T, e *Engine) {
	t.Helper()
	e.isClosing.Store(true)
	e.serviceManager.Stop()
	e.builder.Close()
	require.NoError(t, e.wal.TestingOnlyCrash())
	require.NoError(t, e.store.Close())
	e.cache.Close()
	require.NoError(t, e.releaseLock())
	e.isStarted.Store(false)
}

// backupStore copies the collection data files of a running engine.
func backupStore(t *testing.T, dataDir string) string {
	t.Helper()
	backup := filepath.Join(t.TempDir(), "collections")
	require.NoError(t, os.CopyFS(backup, os.DirFS(filepath.Join(dataDir, core.CollectionsDirName))))
	return backup
}

// rewindStore puts back the data files saved by backupStore, so only the WAL
// remembers what was written after the backup.
func rewindStore(t *testing.T, dataDir, backup string) {
	t.Helper()
	dir := filepath.Join(dataDir, core.CollectionsDirName)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.CopyFS(dir, os.DirFS(backup)))
}

// activeSegmentPath is the file receiving e's WAL appends.
func activeSegmentPath(e *Engine) string {
	return filepath.Join(e.wal.Path(), core.FormatSegmentFileName(e.wal.ActiveSegmentIndex()))
}

func newDoc(t *testing.T, fields map[string]any) *core.Document {
	t.Helper()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	doc, err := core.NewDocument("", "", names, fields)
	require.NoError(t, err)
	return doc
}

func mustCreateCollection(t *testing.T, e *Engine, name string, opts CollectionOptions) {
	t.Helper()
	require.NoError(t, e.CreateCollection(context.Background(), name, opts))
}

func mustWrite(t *testing.T, e *Engine, collection, id string, fields map[string]any) uint64 {
	t.Helper()
	seq, err := e.Write(context.Background(), collection, id, newDoc(t, fields))
	require.NoError(t, err)
	return seq
}

func mustRead(t *testing.T, e *Engine, collection, id string) *core.Document {
	t.Helper()
	doc, err := e.Read(context.Background(), collection, id)
	require.NoError(t, err)
	return doc
}

func fieldString(t *testing.T, doc *core.Document, name string) string {
	t.Helper()
	require.NotNil(t, doc)
	v, ok := doc.Get(name)
	require.True(t, ok, "field %s missing", name)
	return v.String()
}

func waitIndex(t *testing.T, e *Engine, collection, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitIndex(ctx, collection, name))
}

var errVeto = errors.New("vetoed by test")

// xorCipher is a reversible stand-in for a real cipher. The key byte is
// stored up front so documents sealed under one key open after rotation.
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
	out := make([]byte, len(stored)-1)
	for i, b := range stored[1:] {
		out[i] = b ^ stored[0]
	}
	return out, nil
}
