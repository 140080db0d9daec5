// Package storage holds the error taxonomy and read-only source abstraction
// shared by the on-disk structures of an index (enumerator, persistent map,
// forward index).
//
// Error classes:
//   - *StorageError: the on-disk data is unreadable or inconsistent, or a
//     write failed. The owning index must be rebuilt.
//   - ErrIncorrectOperation: a mutation was attempted on read-only storage.
//     Always surfaced wrapped in a *StorageError; a caller bug, never a
//     reason to rebuild.
//   - context.Canceled / context.DeadlineExceeded: cooperative cancellation.
//     Recoverable, never corruption.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIncorrectOperation is the cause of a StorageError returned when
	// read-only storage is asked to mutate.
	ErrIncorrectOperation = errors.New("incorrect operation: storage is read-only")

	// ErrCorrupted is the cause of a StorageError raised when stored data
	// fails validation.
	ErrCorrupted = errors.New("storage corrupted")

	// ErrClosed is returned by operations on a closed storage.
	ErrClosed = errors.New("storage closed")
)

// StorageError reports a failure of the durable index storage.
type StorageError struct {
	Op   string // operation, e.g. "enumerate", "pmap put"
	Path string // file involved, if known
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns err as a *StorageError. Nil stays nil, existing storage
// errors and cancellation errors are returned unchanged.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// Corrupted builds a StorageError whose cause is ErrCorrupted.
func Corrupted(op, path, format string, args ...any) error {
	return &StorageError{Op: op, Path: path, Err: fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))}
}

// ReadOnly builds the StorageError returned for a mutation on read-only storage.
func ReadOnly(op, path string) error {
	return &StorageError{Op: op, Path: path, Err: ErrIncorrectOperation}
}

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsCanceled reports whether err is a cooperative cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RequiresRebuild reports whether err means the owning index is corrupted.
// Read-only violations and cancellations never do.
func RequiresRebuild(err error) bool {
	if err == nil || IsCanceled(err) || errors.Is(err, ErrIncorrectOperation) {
		return false
	}
	return IsStorageError(err)
}
