package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrUnitNotFound is returned when the target unit does not exist.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrForbidden is returned when the unit belongs to another company.
	ErrForbidden = errors.New("unit belongs to another company")
	// ErrInvalidRequest wraps problems with the request itself.
	ErrInvalidRequest = errors.New("invalid sync request")
)

// PersistenceError means the store failed mid-sync. The transaction has
// been rolled back and nothing from the pass was kept.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("calendar sync rolled back: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
