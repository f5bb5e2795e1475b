package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageConflict marks transient contention failures (serialization
	// conflicts, deadlocks). The whole transaction may succeed if retried.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrSessionClosed is returned when using a committed or rolled back session.
	ErrSessionClosed = errors.New("session already closed")

	// ErrReadOnly is returned when writing through a read-only session.
	ErrReadOnly = errors.New("session is read-only")

	// ErrOpenerNil is returned when a nil opener is provided.
	ErrOpenerNil = errors.New("session opener cannot be nil")
)

// ConflictError wraps the store-specific cause of a storage conflict.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrStorageConflict)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStorageConflict, e.Err)
}

func (e *ConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStorageConflict}
	}
	return []error{ErrStorageConflict, e.Err}
}

// Conflict wraps err as a storage conflict raised by op.
func Conflict(op string, err error) error {
	return &ConflictError{Op: op, Err: err}
}

// IsConflict reports whether err is, or wraps, a storage conflict.
func IsConflict(err error) bool {
	return err != nil && errors.Is(err, ErrStorageConflict)
}
