package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown identity.
	ErrNotFound = errors.New("identity not found")
	// ErrExists is returned when an identity id is already taken.
	ErrExists = errors.New("identity already exists")
	// ErrClosed is returned by Save after Shutdown.
	ErrClosed = errors.New("face memory is shut down")
)

// PersistError records which stage of a snapshot write failed.
type PersistError struct {
	Stage string // "serialize", "lock", "backup", "write", "rename"
	Path  string
	Err   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("snapshot %s failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
