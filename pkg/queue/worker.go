package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkerRepository defines the interface for worker operations
type WorkerRepository interface {
	// ClaimTask atomically claims the highest priority due task
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error)

	// CompleteTask marks task as completed and stores its result
	CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error

	// RetryTask increments the retry count and makes the task due again after delay
	RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, delay time.Duration) error

	// FailTask marks task as terminally failed
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error

	// MoveToDLQ copies a failed task into the dead letter queue
	MoveToDLQ(ctx context.Context, taskID uuid.UUID) error

	// ExtendLock extends the lock timeout for long-running tasks
	ExtendLock(ctx context.Context, taskID uuid.UUID, duration time.Duration) error
}

// Worker processes tasks from the queue
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	queues   []string
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex // Protects stopping state and WaitGroup operations

	// Configuration
	pullInterval    time.Duration
	lockTimeout     time.Duration
	shutdownTimeout time.Duration
	backoff         BackoffFunc
	logger          *slog.Logger

	// State management
	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// NewWorker creates a new task worker
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &workerOptions{
		queues:             []string{DefaultQueueName},
		pullInterval:       5 * time.Second,
		lockTimeout:        5 * time.Minute,
		maxConcurrentTasks: 1,
		backoff:            LinearBackoff(30 * time.Second),
		logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:            repo,
		handlers:        make(map[string]Handler),
		queues:          options.queues,
		workerID:        uuid.New(),
		sem:             make(chan struct{}, options.maxConcurrentTasks),
		pullInterval:    options.pullInterval,
		lockTimeout:     options.lockTimeout,
		shutdownTimeout: options.shutdownTimeout,
		backoff:         options.backoff,
		logger:          options.logger,
	}, nil
}

// RegisterHandler registers a single task handler
func (w *Worker) RegisterHandler(handler Handler) error {
	if handler == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.handlers[handler.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, handler.Name())
	}
	w.handlers[handler.Name()] = handler
	return nil
}

// RegisterHandlers registers multiple task handlers
func (w *Worker) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := w.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Start begins processing tasks in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrWorkerStarted
	}

	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)

	go w.run()

	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Any("queues", w.queues),
		slog.Int("max_concurrent", cap(w.sem)))

	return nil
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWorkerNotStarted
	}

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.Info("worker stopping, waiting for active tasks to complete",
		slog.String("worker_id", w.workerID.String()))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if w.shutdownTimeout > 0 {
		timer := time.NewTimer(w.shutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
		w.logger.Warn("worker stopped with tasks still running",
			slog.String("worker_id", w.workerID.String()),
			slog.Duration("shutdown_timeout", w.shutdownTimeout))
		return ErrShutdownTimeout
	}

	w.logger.Info("worker stopped",
		slog.String("worker_id", w.workerID.String()))

	return nil
}

// Run starts the worker and returns a function suitable for errgroup
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

// run is the main processing loop
func (w *Worker) run() {
	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				// Don't add to the WaitGroup once Stop() has started waiting on it
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()

					if _, err := w.ProcessNext(w.ctx); err != nil && !errors.Is(err, ErrHandlerNotFound) {
						w.logger.Error("failed to process task",
							slog.String("worker_id", w.workerID.String()),
							slog.String("error", err.Error()))
					}
				}()
			default:
				w.logger.Debug("all worker slots busy, skipping tick",
					slog.String("worker_id", w.workerID.String()))
			}
		}
	}
}

// ProcessNext claims one due task and runs it to completion on the calling
// goroutine. It reports false when nothing was due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.repo.ClaimTask(ctx, w.workerID, w.queues, w.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrNoTaskToClaim) {
			return false, nil
		}
		return false, errors.Join(ErrFailedToGetNextTask, err)
	}
	if task == nil {
		return false, nil
	}

	w.logger.Debug("claimed task",
		slog.String("worker_id", w.workerID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.String("queue", task.Queue))

	return true, w.processTask(ctx, task)
}

// processTask executes a task with its handler
func (w *Worker) processTask(ctx context.Context, task *Task) (retErr error) {
	start := time.Now()

	// Bookkeeping must survive worker shutdown, otherwise a finished task
	// would be handed out again once its lock expires.
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				slog.String("worker_id", w.workerID.String()),
				slog.String("task_id", task.ID.String()),
				slog.String("task_name", task.TaskName),
				slog.Any("panic", r))
			_ = w.handleTaskFailure(ctx, task, retErr, time.Since(start))
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[task.TaskName]
	w.mu.RUnlock()

	if !ok {
		return w.handleMissingHandler(ctx, task)
	}

	handlerCtx, cancel := context.WithTimeout(ctx, task.lockDuration(w.lockTimeout))
	defer cancel()

	result, err := handler.Handle(handlerCtx, task)
	duration := time.Since(start)

	if err != nil {
		return w.handleTaskFailure(ctx, task, err, duration)
	}

	return w.handleTaskSuccess(ctx, task, result, duration)
}

// handleMissingHandler fails the task and moves it straight to the DLQ:
// retries can't succeed until a handler is deployed.
func (w *Worker) handleMissingHandler(ctx context.Context, task *Task) error {
	w.logger.Error("no handler registered for task type",
		slog.String("worker_id", w.workerID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName))

	errorMsg := "no handler registered for task type: " + task.TaskName
	if err := w.repo.FailTask(ctx, task.ID, errorMsg); err != nil {
		return errors.Join(ErrFailedToUpdateTaskStatus, err)
	}

	if err := w.repo.MoveToDLQ(ctx, task.ID); err != nil {
		return errors.Join(ErrFailedToMoveToDLQ, err)
	}

	return ErrHandlerNotFound
}

// handleTaskFailure routes a handler error.
//
// A RetryError reschedules the task while RetryCount < MaxRetries. Every other
// error, and a retry request past the ceiling, fails the task and moves it to
// the DLQ.
func (w *Worker) handleTaskFailure(ctx context.Context, task *Task, execErr error, duration time.Duration) error {
	var retryErr *RetryError
	if errors.As(execErr, &retryErr) && task.RetryCount < task.MaxRetries {
		delay := retryErr.Delay
		if retryErr.UseBackoff {
			delay = w.backoff(int(task.RetryCount) + 1)
		}

		if err := w.repo.RetryTask(ctx, task.ID, execErr.Error(), delay); err != nil {
			return errors.Join(ErrFailedToUpdateTaskStatus, err)
		}

		w.logger.Warn("task scheduled for retry",
			slog.String("worker_id", w.workerID.String()),
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.TaskName),
			slog.Int("retry_count", int(task.RetryCount)+1),
			slog.Int("max_retries", int(task.MaxRetries)),
			slog.Duration("delay", delay),
			slog.Duration("duration", duration),
			slog.String("error", execErr.Error()))

		return nil
	}

	w.logger.Error("task failed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.Int("retry_count", int(task.RetryCount)),
		slog.Int("max_retries", int(task.MaxRetries)),
		slog.Duration("duration", duration),
		slog.String("error", execErr.Error()))

	if err := w.repo.FailTask(ctx, task.ID, execErr.Error()); err != nil {
		return errors.Join(ErrFailedToUpdateTaskStatus, err)
	}

	if err := w.repo.MoveToDLQ(ctx, task.ID); err != nil {
		return errors.Join(ErrFailedToMoveToDLQ, err)
	}

	w.logger.Warn("task moved to dead letter queue",
		slog.String("worker_id", w.workerID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName))

	return nil
}

// handleTaskSuccess processes successful task completion
func (w *Worker) handleTaskSuccess(ctx context.Context, task *Task, result []byte, duration time.Duration) error {
	if task.IgnoreResult {
		result = nil
	}

	if err := w.repo.CompleteTask(ctx, task.ID, result); err != nil {
		return errors.Join(ErrFailedToUpdateTaskStatus, err)
	}

	w.logger.Info("task completed successfully",
		slog.String("worker_id", w.workerID.String()),
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.TaskName),
		slog.String("queue", task.Queue),
		slog.Duration("duration", duration))

	return nil
}

// ExtendLockForTask extends the lock timeout for a long-running task
func (w *Worker) ExtendLockForTask(ctx context.Context, taskID uuid.UUID, extension time.Duration) error {
	return w.repo.ExtendLock(ctx, taskID, extension)
}

// WorkerInfo returns information about the worker
func (w *Worker) WorkerInfo() (id string, hostname string, pid int) {
	hostname, _ = os.Hostname()
	return w.workerID.String(), hostname, os.Getpid()
}
