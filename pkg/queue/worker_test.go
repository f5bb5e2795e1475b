package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/deferkit/pkg/queue"
)

// MockWorkerRepository is a mock implementation of WorkerRepository
type MockWorkerRepository struct {
	mock.Mock
}

func (m *MockWorkerRepository) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*queue.Task, error) {
	args := m.Called(ctx, workerID, queues, lockDuration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*queue.Task), args.Error(1)
}

func (m *MockWorkerRepository) CompleteTask(ctx context.Context, taskID uuid.UUID, result []byte) error {
	args := m.Called(ctx, taskID, result)
	return args.Error(0)
}

func (m *MockWorkerRepository) RetryTask(ctx context.Context, taskID uuid.UUID, errorMsg string, delay time.Duration) error {
	args := m.Called(ctx, taskID, errorMsg, delay)
	return args.Error(0)
}

func (m *MockWorkerRepository) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	args := m.Called(ctx, taskID, errorMsg)
	return args.Error(0)
}

func (m *MockWorkerRepository) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

func (m *MockWorkerRepository) ExtendLock(ctx context.Context, taskID uuid.UUID, duration time.Duration) error {
	args := m.Called(ctx, taskID, duration)
	return args.Error(0)
}

const testTaskName = "reports.render"

func claimedTask(retryCount, maxRetries int8) *queue.Task {
	return &queue.Task{
		ID:          uuid.New(),
		Queue:       queue.DefaultQueueName,
		TaskName:    testTaskName,
		Payload:     []byte(`{"id":42}`),
		Status:      queue.TaskStatusProcessing,
		Priority:    queue.PriorityMedium,
		RetryCount:  retryCount,
		MaxRetries:  maxRetries,
		ScheduledAt: time.Now().Add(-time.Minute),
		CreatedAt:   time.Now(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(t *testing.T, repo queue.WorkerRepository, fn queue.HandlerFunc, opts ...queue.WorkerOption) *queue.Worker {
	t.Helper()

	opts = append([]queue.WorkerOption{queue.WithWorkerLogger(quietLogger())}, opts...)
	worker, err := queue.NewWorker(repo, opts...)
	require.NoError(t, err)
	if fn != nil {
		require.NoError(t, worker.RegisterHandler(queue.NewHandler(testTaskName, fn)))
	}
	return worker
}

func TestWorker_NewWorker(t *testing.T) {
	t.Parallel()

	t.Run("successful creation", func(t *testing.T) {
		t.Parallel()

		worker, err := queue.NewWorker(new(MockWorkerRepository),
			queue.WithQueues("queue1", "queue2"),
			queue.WithPullInterval(time.Second),
			queue.WithLockTimeout(10*time.Minute),
			queue.WithMaxConcurrentTasks(5),
			queue.WithRetryBackoff(queue.LinearBackoff(time.Second)),
		)
		require.NoError(t, err)
		require.NotNil(t, worker)
	})

	t.Run("nil repository error", func(t *testing.T) {
		t.Parallel()

		worker, err := queue.NewWorker(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, worker)
	})
}

func TestWorker_RegisterHandler(t *testing.T) {
	t.Parallel()

	worker, err := queue.NewWorker(new(MockWorkerRepository))
	require.NoError(t, err)

	noop := func(context.Context, *queue.Task) ([]byte, error) { return nil, nil }

	require.NoError(t, worker.RegisterHandlers(
		queue.NewHandler("a", noop),
		queue.NewHandler("b", noop),
	))
	assert.NoError(t, worker.RegisterHandler(nil))

	err = worker.RegisterHandler(queue.NewHandler("a", noop))
	assert.ErrorIs(t, err, queue.ErrTaskAlreadyRegistered)
}

func TestWorker_ProcessNext(t *testing.T) {
	t.Parallel()

	t.Run("nothing to claim", func(t *testing.T) {
		t.Parallel()

		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, []string{queue.DefaultQueueName}, mock.Anything).
			Return(nil, queue.ErrNoTaskToClaim).Once()

		worker := newTestWorker(t, repo, nil)
		processed, err := worker.ProcessNext(context.Background())
		assert.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("claim failure", func(t *testing.T) {
		t.Parallel()

		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("connection reset")).Once()

		worker := newTestWorker(t, repo, nil)
		_, err := worker.ProcessNext(context.Background())
		assert.ErrorIs(t, err, queue.ErrFailedToGetNextTask)
	})

	t.Run("success stores result", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("CompleteTask", mock.Anything, task.ID, []byte("ok")).Return(nil).Once()

		var seen *queue.Task
		worker := newTestWorker(t, repo, func(_ context.Context, task *queue.Task) ([]byte, error) {
			seen = task
			return []byte("ok"), nil
		})

		processed, err := worker.ProcessNext(context.Background())
		require.NoError(t, err)
		assert.True(t, processed)
		require.NotNil(t, seen)
		assert.Equal(t, `{"id":42}`, string(seen.Payload))
	})

	t.Run("ignore result drops it", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		task.IgnoreResult = true
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("CompleteTask", mock.Anything, task.ID, []byte(nil)).Return(nil).Once()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			return []byte("ok"), nil
		})

		_, err := worker.ProcessNext(context.Background())
		require.NoError(t, err)
	})

	t.Run("retry with explicit delay", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("RetryTask", mock.Anything, task.ID, mock.AnythingOfType("string"), 5*time.Second).Return(nil).Once()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			return nil, queue.Retry(5*time.Second, nil)
		})

		_, err := worker.ProcessNext(context.Background())
		require.NoError(t, err)
	})

	t.Run("retry with backoff policy", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(2, 5)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("RetryTask", mock.Anything, task.ID, mock.AnythingOfType("string"), 6*time.Second).Return(nil).Once()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			return nil, queue.RetryWithBackoff(errors.New("serialization failure"))
		}, queue.WithRetryBackoff(queue.LinearBackoff(2*time.Second)))

		_, err := worker.ProcessNext(context.Background())
		require.NoError(t, err)
	})

	t.Run("retry past ceiling fails to DLQ", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(3, 3)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("FailTask", mock.Anything, task.ID, "retry in 1s").Return(nil).Once()
		repo.On("MoveToDLQ", mock.Anything, task.ID).Return(nil).Once()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			return nil, queue.Retry(time.Second, nil)
		})

		_, err := worker.ProcessNext(context.Background())
		require.NoError(t, err)
	})

	t.Run("plain error is terminal", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("FailTask", mock.Anything, task.ID, "permanent failure").Return(nil).Once()
		repo.On("MoveToDLQ", mock.Anything, task.ID).Return(nil).Once()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			return nil, errors.New("permanent failure")
		})

		_, err := worker.ProcessNext(context.Background())
		require.NoError(t, err)
	})

	t.Run("panic is a failure", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("FailTask", mock.Anything, task.ID, "panic in handler: boom").Return(nil).Once()
		repo.On("MoveToDLQ", mock.Anything, task.ID).Return(nil).Once()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			panic("boom")
		})

		_, err := worker.ProcessNext(context.Background())
		assert.EqualError(t, err, "panic in handler: boom")
	})

	t.Run("missing handler moves to DLQ", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		task.TaskName = "unknown"
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("FailTask", mock.Anything, task.ID, "no handler registered for task type: unknown").Return(nil).Once()
		repo.On("MoveToDLQ", mock.Anything, task.ID).Return(nil).Once()

		worker := newTestWorker(t, repo, nil)

		_, err := worker.ProcessNext(context.Background())
		assert.ErrorIs(t, err, queue.ErrHandlerNotFound)
	})

	t.Run("bookkeeping survives cancelled context", func(t *testing.T) {
		t.Parallel()

		task := claimedTask(0, 3)
		repo := new(MockWorkerRepository)
		defer repo.AssertExpectations(t)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
		repo.On("CompleteTask", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), task.ID, []byte("ok")).
			Return(nil).Once()

		ctx, cancel := context.WithCancel(context.Background())
		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
			cancel()
			return []byte("ok"), nil
		})

		_, err := worker.ProcessNext(ctx)
		require.NoError(t, err)
	})
}

func TestWorker_StartStop(t *testing.T) {
	t.Parallel()

	t.Run("start without handlers", func(t *testing.T) {
		t.Parallel()

		worker, err := queue.NewWorker(new(MockWorkerRepository))
		require.NoError(t, err)
		assert.ErrorIs(t, worker.Start(context.Background()), queue.ErrNoHandlers)
	})

	t.Run("stop without start", func(t *testing.T) {
		t.Parallel()

		worker, err := queue.NewWorker(new(MockWorkerRepository))
		require.NoError(t, err)
		assert.ErrorIs(t, worker.Stop(), queue.ErrWorkerNotStarted)
	})

	t.Run("double start", func(t *testing.T) {
		t.Parallel()

		repo := new(MockWorkerRepository)
		repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, queue.ErrNoTaskToClaim).Maybe()

		worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) { return nil, nil })

		require.NoError(t, worker.Start(context.Background()))
		assert.ErrorIs(t, worker.Start(context.Background()), queue.ErrWorkerStarted)
		assert.NoError(t, worker.Stop())
	})
}

func TestWorker_EndToEndWithMemoryStorage(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	enqueuer, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var attempts atomic.Int32
	done := make(chan struct{})
	worker := newTestWorker(t, storage, func(context.Context, *queue.Task) ([]byte, error) {
		if attempts.Add(1) == 1 {
			return nil, queue.Retry(0, errors.New("not yet"))
		}
		close(done)
		return []byte("rendered"), nil
	}, queue.WithPullInterval(10*time.Millisecond))

	task, err := enqueuer.Enqueue(context.Background(), testMessage())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, worker.Start(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task not processed in time")
	}
	require.NoError(t, worker.Stop())

	stored, err := storage.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusCompleted, stored.Status)
	assert.Equal(t, int8(1), stored.RetryCount)
	assert.Equal(t, "rendered", string(stored.Result))
}

func TestWorker_GracefulShutdown(t *testing.T) {
	t.Parallel()

	task := claimedTask(0, 3)
	repo := new(MockWorkerRepository)
	defer repo.AssertExpectations(t)
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, queue.ErrNoTaskToClaim).Maybe()
	repo.On("CompleteTask", mock.Anything, task.ID, []byte(nil)).Return(nil).Once()

	taskStarted := make(chan struct{})
	var taskCompleted atomic.Bool
	worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
		close(taskStarted)
		time.Sleep(50 * time.Millisecond)
		taskCompleted.Store(true)
		return nil, nil
	}, queue.WithPullInterval(10*time.Millisecond))

	require.NoError(t, worker.Start(context.Background()))
	<-taskStarted

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- worker.Stop()
	}()

	select {
	case err := <-stopDone:
		assert.NoError(t, err)
		assert.True(t, taskCompleted.Load(), "task should have completed before stop returned")
	case <-time.After(time.Second):
		t.Fatal("stop did not complete in time")
	}
}

func TestWorker_RunFunction(t *testing.T) {
	t.Parallel()

	repo := new(MockWorkerRepository)
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, queue.ErrNoTaskToClaim).Maybe()

	worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) { return nil, nil },
		queue.WithPullInterval(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.NoError(t, worker.Run(ctx)())
}

func TestWorker_ExtendLockForTask(t *testing.T) {
	t.Parallel()

	repo := new(MockWorkerRepository)
	defer repo.AssertExpectations(t)

	taskID := uuid.New()
	repo.On("ExtendLock", mock.Anything, taskID, 5*time.Minute).Return(nil).Once()

	worker, err := queue.NewWorker(repo)
	require.NoError(t, err)
	assert.NoError(t, worker.ExtendLockForTask(context.Background(), taskID, 5*time.Minute))
}

func TestWorker_WorkerInfo(t *testing.T) {
	t.Parallel()

	worker, err := queue.NewWorker(new(MockWorkerRepository))
	require.NoError(t, err)

	id, _, pid := worker.WorkerInfo()
	assert.NotEmpty(t, id)
	assert.Greater(t, pid, 0)
}

func TestWorker_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	task := claimedTask(0, 3)
	repo := new(MockWorkerRepository)
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(task, nil).Once()
	repo.On("ClaimTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, queue.ErrNoTaskToClaim).Maybe()
	repo.On("CompleteTask", mock.Anything, task.ID, mock.Anything).Return(nil).Maybe()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	worker := newTestWorker(t, repo, func(context.Context, *queue.Task) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}, queue.WithPullInterval(10*time.Millisecond), queue.WithShutdownTimeout(50*time.Millisecond))

	require.NoError(t, worker.Start(context.Background()))
	<-started

	assert.ErrorIs(t, worker.Stop(), queue.ErrShutdownTimeout)
}

func TestConfig_WorkerOptions(t *testing.T) {
	t.Parallel()

	repo := new(MockWorkerRepository)
	repo.On("ClaimTask", mock.Anything, mock.Anything, []string{"critical", "default"}, 2*time.Minute).
		Return(nil, queue.ErrNoTaskToClaim).Once()

	cfg := queue.Config{
		Queues:      []string{"critical", "default"},
		LockTimeout: 2 * time.Minute,
	}
	worker, err := queue.NewWorker(repo, cfg.WorkerOptions()...)
	require.NoError(t, err)

	ok, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	repo.AssertExpectations(t)
}
