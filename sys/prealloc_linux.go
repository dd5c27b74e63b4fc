//go:build linux

package sys

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes for f without changing its visible size.
// Results are cached per device so unsupported filesystems are probed once.
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fg, ok := f.(interface{ Fd() uintptr })
	if !ok {
		preallocUnsupported.Add(1)
		return ErrPreallocNotSupported
	}
	fd := int(fg.Fd())

	var stat unix.Stat_t
	var dev uint64
	if err := unix.Fstat(fd, &stat); err == nil {
		dev = uint64(stat.Dev)
		if allow, found := preallocCacheLoad(dev); found {
			preallocCacheHits.Add(1)
			if !allow {
				preallocUnsupported.Add(1)
				return ErrPreallocNotSupported
			}
		} else {
			preallocCacheMisses.Add(1)
		}
	}

	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	switch {
	case err == nil:
		preallocCacheStore(dev, true)
		preallocSuccesses.Add(1)
		return nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOTTY):
		preallocCacheStore(dev, false)
		preallocUnsupported.Add(1)
		return ErrPreallocNotSupported
	default:
		preallocFailures.Add(1)
		return fmt.Errorf("preallocation failed for %s: %w", f.Name(), err)
	}
}
