package db

import (
	"errors"
	"fmt"
)

// ErrItemNotFound is returned when an item id or key has no row.
var ErrItemNotFound = errors.New("item not found")

// ErrFeedNotFound is returned when a feed id or url has no row.
var ErrFeedNotFound = errors.New("feed not found")

// StorageError wraps an I/O failure of the local database.
//
// Storage failures are fatal for the operation that hit them and are retried
// on the next cycle; they never leave staged state half-written because every
// multi-row write runs in a transaction.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err came from the local database.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
