package deferred

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/deferkit/pkg/queue"
)

// TaskName is the queue task name under which deferred calls travel.
const TaskName = "deferred.execute"

// Addressing identifies the tenant and acting user a task runs for.
type Addressing struct {
	TenantID string
	UserID   string
}

// Envelope is what the dispatcher hands to the queue: an opaque body, its
// content type and the addressing that travels next to it.
type Envelope struct {
	Addressing
	ContentType string
	Body        []byte
}

// QueueOptions pass through to the queue unchanged.
type QueueOptions struct {
	Queue             string
	VisibilityTimeout time.Duration
	IgnoreResult      bool
	MaxRetries        int8
	Countdown         time.Duration
	Priority          queue.Priority
}

// TaskState is a snapshot of a queued task.
type TaskState struct {
	Status      Status
	RetryCount  int
	ContentType string
	Result      []byte
	Error       string
}

// QueueClient is the queue seen from the dispatching side.
type QueueClient interface {
	Enqueue(ctx context.Context, env Envelope, opts QueueOptions) (string, error)
	Inspect(ctx context.Context, id string) (TaskState, error)
}

// QueueAdapter implements QueueClient on top of queue.Enqueuer and a task
// reader such as queue.MemoryStorage or queue.RedisStorage.
type QueueAdapter struct {
	enqueuer *queue.Enqueuer
	reader   queue.ReaderRepository
}

var _ QueueClient = (*QueueAdapter)(nil)

// NewQueueClient creates a QueueAdapter.
func NewQueueClient(enqueuer *queue.Enqueuer, reader queue.ReaderRepository) (*QueueAdapter, error) {
	if enqueuer == nil {
		return nil, ErrEnqueuerNil
	}
	if reader == nil {
		return nil, ErrReaderNil
	}
	return &QueueAdapter{enqueuer: enqueuer, reader: reader}, nil
}

func (a *QueueAdapter) Enqueue(ctx context.Context, env Envelope, opts QueueOptions) (string, error) {
	msg := queue.Message{
		Name:        TaskName,
		ContentType: env.ContentType,
		Body:        env.Body,
		Headers: map[string]string{
			queue.HeaderTenantID: env.TenantID,
			queue.HeaderUserID:   env.UserID,
		},
	}

	enqOpts := []queue.EnqueueOption{
		queue.WithMaxRetries(opts.MaxRetries),
		queue.WithPriority(opts.Priority),
		queue.WithIgnoreResult(opts.IgnoreResult),
	}
	if opts.Queue != "" {
		enqOpts = append(enqOpts, queue.WithQueue(opts.Queue))
	}
	if opts.Countdown > 0 {
		enqOpts = append(enqOpts, queue.WithDelay(opts.Countdown))
	}
	if opts.VisibilityTimeout > 0 {
		enqOpts = append(enqOpts, queue.WithVisibilityTimeout(opts.VisibilityTimeout))
	}

	task, err := a.enqueuer.Enqueue(ctx, msg, enqOpts...)
	if err != nil {
		return "", err
	}
	return task.ID.String(), nil
}

func (a *QueueAdapter) Inspect(ctx context.Context, id string) (TaskState, error) {
	taskID, err := uuid.Parse(id)
	if err != nil {
		return TaskState{}, errors.Join(ErrInvalidTaskID, err)
	}

	task, err := a.reader.GetTask(ctx, taskID)
	if err != nil {
		return TaskState{}, fmt.Errorf("inspect task %s: %w", id, err)
	}

	state := TaskState{
		Status:      statusOf(task),
		RetryCount:  int(task.RetryCount),
		ContentType: task.ContentType,
		Result:      task.Result,
	}
	if task.Error != nil {
		state.Error = *task.Error
	}
	return state, nil
}

func statusOf(task *queue.Task) Status {
	switch task.Status {
	case queue.TaskStatusProcessing:
		return StatusStarted
	case queue.TaskStatusRetrying:
		return StatusRetry
	case queue.TaskStatusCompleted:
		return StatusSuccess
	case queue.TaskStatusFailed:
		return StatusFailure
	default:
		if task.RetryCount > 0 {
			return StatusRetry
		}
		return StatusPending
	}
}
