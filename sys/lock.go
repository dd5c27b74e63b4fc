package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked is returned when another process holds the data directory lock.
var ErrLocked = errors.New("data directory is locked by another process")

// AcquireFileLock takes an exclusive lock on lockPath, retrying up to
// maxRetries times. The returned release function unlocks and removes the
// lock file. The file records pid and acquisition time for diagnostics.
func AcquireFileLock(lockPath string, maxRetries int, retryInterval time.Duration) (func() error, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		release, err := acquireOSFileLock(lockPath)
		if err == nil {
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
			binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
			_ = os.WriteFile(lockPath, buf, 0644)
			return release, nil
		}
		lastErr = err
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrLocked, lockPath, lastErr)
}

// LockHolder reads the pid recorded in a lock file.
func LockHolder(lockPath string) (pid int, acquired time.Time, err error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(b) < 12 {
		return 0, time.Time{}, fmt.Errorf("lock file %s too short", lockPath)
	}
	pid = int(binary.LittleEndian.Uint32(b[0:4]))
	acquired = time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12]))).UTC()
	return pid, acquired, nil
}
