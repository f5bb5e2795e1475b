package deferred

import (
	"errors"
	"time"

	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

// OutcomeKind selects the branch taken after INVOKE.
type OutcomeKind int

const (
	Succeeded OutcomeKind = iota
	RetryRequested
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "success"
	case RetryRequested:
		return "retry"
	case Failed:
		return "failure"
	}
	return "unknown"
}

// Outcome is the result of executing one task.
type Outcome struct {
	Kind OutcomeKind

	// Value is the operation's return value, Result its encoded form.
	Value  any
	Result []byte

	// Delay before the next attempt. Conflict marks a retry caused by
	// storage contention rather than requested by the operation.
	Delay    time.Duration
	Conflict bool

	// Failure is set for Failed outcomes. For retries Err holds the cause.
	Failure *TaskFailedError
	Err     error
}

// OutcomeSuccess reports a committed call.
func OutcomeSuccess(value any) Outcome {
	return Outcome{Kind: Succeeded, Value: value}
}

// OutcomeRetry reports a rolled back call to be run again after delay.
func OutcomeRetry(delay time.Duration, conflict bool, cause error) Outcome {
	return Outcome{Kind: RetryRequested, Delay: max(delay, 0), Conflict: conflict, Err: cause}
}

// OutcomeFailure reports a rolled back call that will not be retried.
func OutcomeFailure(kind FailureKind, cause error) Outcome {
	f := newTaskFailed(kind, cause)
	return Outcome{Kind: Failed, Failure: f, Err: f}
}

// classify routes an invocation result.
func (e *Executor) classify(value any, err error) Outcome {
	if err == nil {
		return OutcomeSuccess(value)
	}

	var directive *RetryDirective
	switch {
	case errors.As(err, &directive):
		return OutcomeRetry(directive.Delay, false, err)
	case txn.IsConflict(err):
		return OutcomeRetry(e.conflictBackoff, true, err)
	case errors.Is(err, entity.ErrTypeNotFound),
		errors.Is(err, entity.ErrMethodNotFound),
		errors.Is(err, entity.ErrNotInvocable):
		return OutcomeFailure(KindInfrastructure, err)
	default:
		return OutcomeFailure(KindOperation, err)
	}
}
