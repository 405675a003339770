package routine

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by Add when a routine with the same id
	// already exists.
	ErrDuplicateID = errors.New("routine already exists")
	// ErrNotFound is returned by Remove/Toggle for an unknown id.
	ErrNotFound = errors.New("routine not found")
)

// PersistError wraps a failure to write the catalogue file. By the time it is
// returned the in-memory catalogue already reflects the mutation; callers
// should treat it as a durability warning, not an invariant violation.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist routines (%s): %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
