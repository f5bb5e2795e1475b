package deferred

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoActiveSession is returned by Dispatch outside a transactional session.
	ErrNoActiveSession = errors.New("no active session: tenant and user cannot be addressed")

	// ErrTimeout is returned by Await when the task did not finish in time.
	// The task itself keeps running.
	ErrTimeout = errors.New("timed out waiting for task result")

	// ErrResultNotReady is returned by Result while the task is not finished.
	ErrResultNotReady = errors.New("task result not ready")

	// ErrMethodRequired is returned when a call names no method.
	ErrMethodRequired = errors.New("method name is required")

	// ErrEntityTypeRequired is returned when a call names neither a type nor an instance.
	ErrEntityTypeRequired = errors.New("entity type is required")

	// ErrInvalidPayload is returned when a decoded payload misses or mistypes a field.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrMissingAddressing is returned when a job carries no tenant or user.
	ErrMissingAddressing = errors.New("job is missing tenant or user")

	ErrRegistryNil    = errors.New("entity registry cannot be nil")
	ErrBuilderNil     = errors.New("builder cannot be nil")
	ErrQueueClientNil = errors.New("queue client cannot be nil")
	ErrEnqueuerNil    = errors.New("enqueuer cannot be nil")
	ErrReaderNil      = errors.New("task reader cannot be nil")
	ErrInvalidTaskID  = errors.New("invalid task id")
)

// DefaultRetryDelay is the delay used by Retry.
const DefaultRetryDelay = 5 * time.Second

// RetryDirective is returned by an operation to ask for another attempt
// after Delay. It is a control signal, not a failure: the session is rolled
// back and the whole task runs again.
type RetryDirective struct {
	Delay time.Duration
}

func (r *RetryDirective) Error() string {
	return fmt.Sprintf("retry requested in %s", r.Delay)
}

// RetryAfter returns a RetryDirective for delay. Negative delays mean now.
func RetryAfter(delay time.Duration) error {
	return &RetryDirective{Delay: max(delay, 0)}
}

// Retry returns a RetryDirective with DefaultRetryDelay.
func Retry() error {
	return RetryAfter(DefaultRetryDelay)
}

// FailureKind tells apart why a task failed.
type FailureKind string

const (
	// KindOperation means the invoked operation returned an error or panicked.
	KindOperation FailureKind = "operation"
	// KindDecode means the payload could not be deserialized.
	KindDecode FailureKind = "decode"
	// KindInfrastructure means the task could not run at all: no session,
	// unknown entity type or method, exhausted conflict retries.
	KindInfrastructure FailureKind = "infrastructure"
)

var failureKinds = []FailureKind{KindOperation, KindDecode, KindInfrastructure}

// TaskFailedError is the terminal failure of a task as seen by the caller.
// Err holds the underlying cause on the worker side; across the queue only
// Kind and Message survive.
type TaskFailedError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *TaskFailedError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}

func newTaskFailed(kind FailureKind, err error) *TaskFailedError {
	return &TaskFailedError{Kind: kind, Message: err.Error(), Err: err}
}

// ParseFailure rebuilds a TaskFailedError from the error text a worker stored
// for a task. The earliest "<kind>: " marker wins, so wrappers added by the
// queue (for example "retry in 5s: ") are skipped. Text without a marker is
// reported as an infrastructure failure.
func ParseFailure(text string) *TaskFailedError {
	best, bestKind := -1, KindInfrastructure
	for _, kind := range failureKinds {
		marker := string(kind) + ": "
		for from := 0; ; {
			i := strings.Index(text[from:], marker)
			if i < 0 {
				break
			}
			i += from
			if i == 0 || strings.HasSuffix(text[:i], ": ") {
				if best < 0 || i < best {
					best, bestKind = i, kind
				}
				break
			}
			from = i + 1
		}
	}

	if best < 0 {
		return &TaskFailedError{Kind: KindInfrastructure, Message: text}
	}
	return &TaskFailedError{Kind: bestKind, Message: text[best+len(bestKind)+2:]}
}
