package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/deferkit/pkg/queue"
)

func newTask(name string, priority queue.Priority, scheduledAt time.Time) *queue.Task {
	return &queue.Task{
		ID:          uuid.New(),
		Queue:       queue.DefaultQueueName,
		TaskName:    name,
		Payload:     []byte("{}"),
		Status:      queue.TaskStatusPending,
		Priority:    priority,
		MaxRetries:  3,
		ScheduledAt: scheduledAt,
		CreatedAt:   time.Now(),
	}
}

func claim(t *testing.T, storage *queue.MemoryStorage) *queue.Task {
	t.Helper()
	task, err := storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	require.NoError(t, err)
	return task
}

func TestMemoryStorage_CreateTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	task := newTask("create", queue.PriorityMedium, time.Now())
	require.NoError(t, storage.CreateTask(context.Background(), task))

	err := storage.CreateTask(context.Background(), task)
	assert.ErrorIs(t, err, queue.ErrTaskExists)

	assert.Error(t, storage.CreateTask(context.Background(), nil))

	task.TaskName = "mutated"
	stored, err := storage.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "create", stored.TaskName, "storage keeps its own copy")

	_, err = storage.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
}

func TestMemoryStorage_ClaimTask(t *testing.T) {
	t.Parallel()

	t.Run("priority first then earliest", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		defer storage.Close()

		now := time.Now()
		low := newTask("low", queue.PriorityLow, now.Add(-time.Hour))
		highLate := newTask("high-late", queue.PriorityHigh, now.Add(-time.Minute))
		highEarly := newTask("high-early", queue.PriorityHigh, now.Add(-2*time.Minute))
		for _, task := range []*queue.Task{low, highLate, highEarly} {
			require.NoError(t, storage.CreateTask(context.Background(), task))
		}

		assert.Equal(t, highEarly.ID, claim(t, storage).ID)
		assert.Equal(t, highLate.ID, claim(t, storage).ID)
		assert.Equal(t, low.ID, claim(t, storage).ID)

		_, err := storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
	})

	t.Run("skips future and foreign queue tasks", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		defer storage.Close()

		future := newTask("future", queue.PriorityMax, time.Now().Add(time.Hour))
		other := newTask("other", queue.PriorityMax, time.Now())
		other.Queue = "other"
		require.NoError(t, storage.CreateTask(context.Background(), future))
		require.NoError(t, storage.CreateTask(context.Background(), other))

		_, err := storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)
	})

	t.Run("lock uses visibility timeout", func(t *testing.T) {
		t.Parallel()

		storage := queue.NewMemoryStorage()
		defer storage.Close()

		task := newTask("visible", queue.PriorityMedium, time.Now())
		task.VisibilityTimeout = 2 * time.Hour
		require.NoError(t, storage.CreateTask(context.Background(), task))

		workerID := uuid.New()
		claimed, err := storage.ClaimTask(context.Background(), workerID, []string{queue.DefaultQueueName}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusProcessing, claimed.Status)
		assert.Equal(t, workerID, *claimed.LockedBy)
		assert.True(t, claimed.LockedUntil.After(time.Now().Add(time.Hour)))
	})
}

func TestMemoryStorage_CompleteTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	task := newTask("complete", queue.PriorityMedium, time.Now())
	require.NoError(t, storage.CreateTask(context.Background(), task))

	err := storage.CompleteTask(context.Background(), task.ID, nil)
	assert.ErrorIs(t, err, queue.ErrTaskNotProcessing)

	claim(t, storage)
	require.NoError(t, storage.CompleteTask(context.Background(), task.ID, []byte("done")))

	stored, err := storage.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusCompleted, stored.Status)
	assert.Equal(t, "done", string(stored.Result))
	assert.NotNil(t, stored.ProcessedAt)
	assert.Nil(t, stored.LockedBy)

	assert.ErrorIs(t, storage.CompleteTask(context.Background(), uuid.New(), nil), queue.ErrTaskNotFound)
}

func TestMemoryStorage_RetryTask(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	task := newTask("retry", queue.PriorityMedium, time.Now())
	require.NoError(t, storage.CreateTask(context.Background(), task))
	claim(t, storage)

	require.NoError(t, storage.RetryTask(context.Background(), task.ID, "try later", time.Hour))

	stored, err := storage.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusRetrying, stored.Status)
	assert.Equal(t, int8(1), stored.RetryCount)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "try later", *stored.Error)
	assert.True(t, stored.ScheduledAt.After(time.Now().Add(59*time.Minute)))

	_, err = storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
	assert.ErrorIs(t, err, queue.ErrNoTaskToClaim, "retry is not due yet")

	other := newTask("retry-now", queue.PriorityMedium, time.Now())
	require.NoError(t, storage.CreateTask(context.Background(), other))
	claim(t, storage)
	require.NoError(t, storage.RetryTask(context.Background(), other.ID, "again", 0))

	claimed := claim(t, storage)
	assert.Equal(t, other.ID, claimed.ID)
	assert.Equal(t, int8(1), claimed.RetryCount)
}

func TestMemoryStorage_FailAndDLQ(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	task := newTask("fail", queue.PriorityMedium, time.Now())
	task.Headers = map[string]string{queue.HeaderTenantID: "acme"}
	require.NoError(t, storage.CreateTask(context.Background(), task))
	claim(t, storage)

	require.NoError(t, storage.FailTask(context.Background(), task.ID, "boom"))
	require.NoError(t, storage.MoveToDLQ(context.Background(), task.ID))

	stored, err := storage.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusFailed, stored.Status)
	assert.Equal(t, "boom", *stored.Error)

	dlq, err := storage.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, task.ID, dlq[0].TaskID)
	assert.Equal(t, "boom", dlq[0].Error)
	assert.Equal(t, "acme", dlq[0].Headers[queue.HeaderTenantID])

	assert.ErrorIs(t, storage.MoveToDLQ(context.Background(), uuid.New()), queue.ErrTaskNotFound)
}

func TestMemoryStorage_ExtendLock(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	task := newTask("extend", queue.PriorityMedium, time.Now())
	require.NoError(t, storage.CreateTask(context.Background(), task))

	assert.ErrorIs(t, storage.ExtendLock(context.Background(), task.ID, time.Hour), queue.ErrTaskNotProcessing)

	claim(t, storage)
	require.NoError(t, storage.ExtendLock(context.Background(), task.ID, 3*time.Hour))

	stored, err := storage.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, stored.LockedUntil.After(time.Now().Add(2*time.Hour)))
}

func TestMemoryStorage_LockExpiration(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	task := newTask("expire", queue.PriorityMedium, time.Now().Add(-time.Minute))
	require.NoError(t, storage.CreateTask(context.Background(), task))

	_, err := storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, 500*time.Millisecond)
	require.NoError(t, err)

	// Wait for the lock manager tick after the lock expires
	time.Sleep(2 * time.Second)

	worker2 := uuid.New()
	claimed, err := storage.ClaimTask(context.Background(), worker2, []string{queue.DefaultQueueName}, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, worker2, *claimed.LockedBy)
	assert.Zero(t, claimed.RetryCount)
}

func TestMemoryStorage_ConcurrentClaims(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	const numTasks = 20
	for range numTasks {
		require.NoError(t, storage.CreateTask(context.Background(), newTask("concurrent", queue.PriorityMedium, time.Now())))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		wg      sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := storage.ClaimTask(context.Background(), uuid.New(), []string{queue.DefaultQueueName}, time.Minute)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, numTasks)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}
