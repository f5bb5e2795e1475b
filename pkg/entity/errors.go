package entity

import "errors"

var (
	// ErrTypeRegistered is returned when a type name is registered twice.
	ErrTypeRegistered = errors.New("entity type already registered")

	// ErrTypeNotFound is returned when a type name cannot be resolved.
	ErrTypeNotFound = errors.New("entity type not found")

	// ErrNilType is returned when registering a nil type or a type without a name.
	ErrNilType = errors.New("entity type cannot be nil or unnamed")

	// ErrMethodNotFound is returned when the target has no method with the given name.
	ErrMethodNotFound = errors.New("method not found")

	// ErrNotInvocable is returned when the invocation target does not implement Invocable.
	ErrNotInvocable = errors.New("target is not invocable")

	// ErrInvalidRef is returned when a reference string cannot be parsed.
	ErrInvalidRef = errors.New("invalid entity reference")

	// ErrNotFound is returned by lookups when no entity with the identity exists.
	ErrNotFound = errors.New("entity not found")
)
