package statemachine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition  = errors.New("transition needs from, to and event")
	ErrInvalidEvent       = errors.New("event is nil")
	ErrInvalidState       = errors.New("state is nil")
	ErrNoTransition       = errors.New("no transition available")
	ErrTransitionRejected = errors.New("transition rejected by guards")
)

// TransitionError reports an event that could not move the machine.
// It matches ErrNoTransition or ErrTransitionRejected with errors.Is.
type TransitionError struct {
	State string
	Event string
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: state %q, event %q", e.Err, e.State, e.Event)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
