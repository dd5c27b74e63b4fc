//go:build !unix

package sys

import "os"

// acquireOSFileLock falls back to an exclusive create where flock is absent.
func acquireOSFileLock(lockPath string) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return func() error { return os.Remove(lockPath) }, nil
}
