package sys

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CHECKPOINT")
	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestInjectFaults(t *testing.T) {
	dir := t.TempDir()
	fl := &Faults{Match: ".wal"}
	restore := InjectFaults(fl)
	defer restore()

	walFile, err := Create(filepath.Join(dir, "00000001.wal"))
	require.NoError(t, err)
	defer walFile.Close()
	other, err := Create(filepath.Join(dir, "data.log"))
	require.NoError(t, err)
	defer other.Close()

	fl.FailWrites(syscall.ENOSPC)
	_, err = walFile.Write([]byte("x"))
	require.Error(t, err)
	assert.True(t, IsDiskFull(err))
	_, err = other.Write([]byte("x"))
	require.NoError(t, err)

	fl.FailWrites(nil)
	_, err = walFile.Write([]byte("x"))
	require.NoError(t, err)

	fl.FailSyncs(errors.New("boom"))
	assert.EqualError(t, walFile.Sync(), "boom")
}

func TestDebugMode_TracksOpenFiles(t *testing.T) {
	SetDebugMode(true)
	defer SetDebugMode(false)

	path := filepath.Join(t.TempDir(), "tracked")
	f, err := Create(path)
	require.NoError(t, err)
	assert.Contains(t, OpenFiles(), path)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.NotContains(t, OpenFiles(), path)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}

func TestAcquireFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "LOCK")
	release, err := AcquireFileLock(lockPath, 0, time.Millisecond)
	require.NoError(t, err)

	pid, _, err := LockHolder(lockPath)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = AcquireFileLock(lockPath, 2, 5*time.Millisecond)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())
	release2, err := AcquireFileLock(lockPath, 0, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestPreallocate(t *testing.T) {
	f, err := Create(filepath.Join(t.TempDir(), "prealloc"))
	require.NoError(t, err)
	defer f.Close()

	err = Preallocate(f, 1<<16)
	if err != nil {
		require.ErrorIs(t, err, ErrPreallocNotSupported)
	}
	st, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, st.Size(), "preallocation must not change visible size")
}
