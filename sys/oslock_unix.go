//go:build unix

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// acquireOSFileLock takes a non-blocking flock on lockPath.
func acquireOSFileLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		_ = os.Remove(lockPath)
		_ = unix.Flock(fd, unix.LOCK_UN)
		return f.Close()
	}, nil
}
