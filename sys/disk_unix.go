//go:build unix

package sys

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsDiskFull reports whether err came from a full device or exceeded quota.
func IsDiskFull(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}
