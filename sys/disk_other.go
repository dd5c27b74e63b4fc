//go:build !unix

package sys

import (
	"errors"
	"syscall"
)

func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
