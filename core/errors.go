package core

import (
	"errors"
	"fmt"
)

var (
	// ErrWALChecksumMismatch marks a WAL record whose stored checksum does not match its body.
	// Replay stops at such a record and treats everything before it as ground truth.
	ErrWALChecksumMismatch = errors.New("wal checksum mismatch")
	// ErrWALIOFailure marks a failed write or sync on the active WAL segment.
	ErrWALIOFailure = errors.New("wal io failure")
	// ErrUniqueConstraintViolation is matched by every *UniqueConstraintError.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")
	ErrKeyNotFound               = errors.New("key not found")
	ErrIndexNotReady             = errors.New("index not ready")
	ErrIndexNotFound             = errors.New("index not found")
	ErrIndexExists               = errors.New("index already exists")
	ErrIndexBuildFailed          = errors.New("index build failed")
	ErrCollectionNotFound        = errors.New("collection not found")
	ErrCollectionExists          = errors.New("collection already exists")
	ErrOutOfMemory               = errors.New("out of memory")
	ErrDiskFull                  = errors.New("disk full")
	ErrEngineDegraded            = errors.New("engine is degraded, writes are refused")
	ErrRecordTooLarge            = errors.New("record too large")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string // e.g., "collection", "id", "index"
	Value   string // The invalid value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// UniqueConstraintError reports which document already owns a key in a unique index.
type UniqueConstraintError struct {
	Collection    string
	Index         string
	Key           string
	ExistingDocID string
	RejectedDocID string
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violation on %s.%s: key %s already held by document %q (rejected %q)",
		e.Collection, e.Index, e.Key, e.ExistingDocID, e.RejectedDocID)
}

func (e *UniqueConstraintError) Is(target error) bool {
	return target == ErrUniqueConstraintViolation
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

func IsUnsupportedError(err error) bool {
	var unsupportedError *UnsupportedTypeError
	return errors.As(err, &unsupportedError)
}

// IsUniqueViolation checks for a unique constraint failure anywhere in the chain.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueConstraintViolation)
}
