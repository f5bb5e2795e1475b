package queue

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrRepositoryNil is returned when a nil repository is provided
	ErrRepositoryNil = errors.New("repository cannot be nil")

	// ErrPayloadNil is returned when attempting to enqueue an empty payload
	ErrPayloadNil = errors.New("payload cannot be empty")

	// ErrTaskNameRequired is returned when a message has no task name
	ErrTaskNameRequired = errors.New("task name is required")

	// ErrTaskCreate is returned when task creation in storage fails
	ErrTaskCreate = errors.New("failed to create task in storage")

	// ErrInvalidPriority is returned when priority is outside valid range
	ErrInvalidPriority = errors.New("priority must be between 0 and 100")

	// ErrHandlerNotFound is returned when no handler is registered for a task
	ErrHandlerNotFound = errors.New("no handler registered for task type")

	// ErrNoHandlers is returned when worker has no handlers registered
	ErrNoHandlers = errors.New("no task handlers registered")

	// ErrTaskAlreadyRegistered is returned when registering a second handler for a task name
	ErrTaskAlreadyRegistered = errors.New("task already registered")

	// ErrNoTaskToClaim is returned by storages when nothing is due
	ErrNoTaskToClaim = errors.New("no task to claim")

	// ErrTaskNotFound is returned when a task does not exist or has expired
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when creating a task with an ID already in use
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskNotProcessing is returned when a state transition requires a claimed task
	ErrTaskNotProcessing = errors.New("task is not in processing state")

	// ErrWorkerStarted is returned when starting a running worker
	ErrWorkerStarted = errors.New("worker already started")

	// ErrWorkerNotStarted is returned when stopping a worker that is not running
	ErrWorkerNotStarted = errors.New("worker not started")

	// ErrShutdownTimeout is returned by Stop when active tasks outlive the shutdown timeout
	ErrShutdownTimeout = errors.New("worker shutdown timed out")

	// ErrFailedToGetNextTask is returned when fetching next task fails
	ErrFailedToGetNextTask = errors.New("failed to get next task from storage")

	// ErrFailedToUpdateTaskStatus is returned when task status update fails
	ErrFailedToUpdateTaskStatus = errors.New("failed to update task status")

	// ErrFailedToMoveToDLQ is returned when moving task to DLQ fails
	ErrFailedToMoveToDLQ = errors.New("failed to move task to dead letter queue")
)

// RetryError asks the worker to run the task again instead of failing it.
// With UseBackoff set, the worker's backoff policy picks the delay.
type RetryError struct {
	Delay      time.Duration
	UseBackoff bool
	Cause      error
}

func (e *RetryError) Error() string {
	if e.UseBackoff {
		return fmt.Sprintf("retry with backoff: %v", e.Cause)
	}
	if e.Cause == nil {
		return fmt.Sprintf("retry in %s", e.Delay)
	}
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

// Retry returns an error that reschedules the task after delay.
func Retry(delay time.Duration, cause error) error {
	return &RetryError{Delay: max(delay, 0), Cause: cause}
}

// RetryWithBackoff returns an error that reschedules the task using the
// worker's backoff policy.
func RetryWithBackoff(cause error) error {
	return &RetryError{UseBackoff: true, Cause: cause}
}
