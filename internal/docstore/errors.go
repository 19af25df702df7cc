package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no document matches an id or filter.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidCollection is returned for collection names that cannot be
	// used as a file name.
	ErrInvalidCollection = errors.New("invalid collection name")
	// ErrCorrupt is wrapped by StorageError when a collection file does not
	// decode to a JSON array of objects.
	ErrCorrupt = errors.New("collection file is corrupt")

	errIDRequired  = errors.New("id is required")
	errDirRequired = errors.New("directory is required")
)

// StorageError reports a failure of the underlying medium: the collection
// file could not be read, decoded or written.
type StorageError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("docstore: %s %q: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
