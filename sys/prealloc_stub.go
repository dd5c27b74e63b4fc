//go:build !linux

package sys

// Preallocate is a no-op outside Linux.
func Preallocate(f FileHandle, size int64) error {
	preallocUnsupported.Add(1)
	return ErrPreallocNotSupported
}
