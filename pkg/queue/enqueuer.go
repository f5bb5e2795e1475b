package queue

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for task creation
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Task) error
}

// ReaderRepository gives read access to task state, e.g. for result polling
type ReaderRepository interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)
}

// Enqueuer handles task enqueueing
type Enqueuer struct {
	repo              EnqueuerRepository
	defaultQueue      string
	defaultPriority   Priority
	defaultMaxRetries int8
}

// NewEnqueuer creates a new Enqueuer
func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &enqueuerOptions{
		defaultQueue:      DefaultQueueName,
		defaultPriority:   PriorityDefault,
		defaultMaxRetries: 3,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Enqueuer{
		repo:              repo,
		defaultQueue:      options.defaultQueue,
		defaultPriority:   options.defaultPriority,
		defaultMaxRetries: options.defaultMaxRetries,
	}, nil
}

// Enqueue stores msg as a new pending task and returns it.
func (e *Enqueuer) Enqueue(ctx context.Context, msg Message, opts ...EnqueueOption) (*Task, error) {
	if len(msg.Body) == 0 {
		return nil, ErrPayloadNil
	}

	options := &enqueueOptions{
		queue:      e.defaultQueue,
		priority:   e.defaultPriority,
		maxRetries: e.defaultMaxRetries,
		taskName:   msg.Name,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.taskName == "" {
		return nil, ErrTaskNameRequired
	}
	if !options.priority.Valid() {
		return nil, ErrInvalidPriority
	}

	task := e.buildTask(msg, options)

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return nil, errors.Join(ErrTaskCreate, err)
	}

	return task, nil
}

// buildTask constructs a Task from a message and options
func (e *Enqueuer) buildTask(msg Message, options *enqueueOptions) *Task {
	now := time.Now()

	scheduledAt := now
	if options.scheduledAt != nil {
		scheduledAt = *options.scheduledAt
	} else if options.delay > 0 {
		scheduledAt = scheduledAt.Add(options.delay)
	}

	return &Task{
		ID:                uuid.New(),
		Queue:             options.queue,
		TaskName:          options.taskName,
		ContentType:       msg.ContentType,
		Headers:           maps.Clone(msg.Headers),
		Payload:           msg.Body,
		Status:            TaskStatusPending,
		Priority:          options.priority,
		MaxRetries:        options.maxRetries,
		ScheduledAt:       scheduledAt,
		VisibilityTimeout: options.visibilityTimeout,
		IgnoreResult:      options.ignoreResult,
		CreatedAt:         now,
	}
}
