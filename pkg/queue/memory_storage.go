package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ EnqueuerRepository = (*MemoryStorage)(nil)
	_ WorkerRepository   = (*MemoryStorage)(nil)
	_ ReaderRepository   = (*MemoryStorage)(nil)
)

// MemoryStorage implements all queue repository interfaces for testing and local development
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	dlq   []*TasksDlq

	// Indexes for efficient queries
	byStatus map[TaskStatus][]uuid.UUID

	// Lock management
	lockTicker *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemoryStorage creates a new in-memory storage implementation
func NewMemoryStorage() *MemoryStorage {
	ms := &MemoryStorage{
		tasks:    make(map[uuid.UUID]*Task),
		byStatus: make(map[TaskStatus][]uuid.UUID),
		done:     make(chan struct{}),
	}

	ms.lockTicker = time.NewTicker(time.Second)
	go ms.lockExpirationManager()

	return ms
}

// Close stops the background goroutines
func (ms *MemoryStorage) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.done)
		ms.lockTicker.Stop()
	})
	return nil
}

// CreateTask implements EnqueuerRepository
func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	ms.tasks[task.ID] = task.clone()
	ms.byStatus[task.Status] = append(ms.byStatus[task.Status], task.ID)

	return nil
}

// GetTask implements ReaderRepository
func (ms *MemoryStorage) GetTask(_ context.Context, taskID uuid.UUID) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.clone(), nil
}

// ClaimTask implements WorkerRepository. Higher priority wins; within a
// priority tier the task that became due first wins.
func (ms *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	var bestTask *Task

	for _, status := range []TaskStatus{TaskStatusPending, TaskStatusRetrying} {
		for _, taskID := range ms.byStatus[status] {
			task := ms.tasks[taskID]

			if !slices.Contains(queues, task.Queue) {
				continue
			}
			if task.ScheduledAt.After(now) {
				continue
			}

			if bestTask == nil ||
				task.Priority > bestTask.Priority ||
				(task.Priority == bestTask.Priority && task.ScheduledAt.Before(bestTask.ScheduledAt)) {
				bestTask = task
			}
		}
	}

	if bestTask == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(bestTask.lockDuration(lockDuration))
	ms.setStatus(bestTask, TaskStatusProcessing)
	bestTask.LockedUntil = &lockUntil
	bestTask.LockedBy = &workerID

	return bestTask.clone(), nil
}

// CompleteTask implements WorkerRepository
func (ms *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID, result []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	ms.setStatus(task, TaskStatusCompleted)
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	task.Result = slices.Clone(result)

	return nil
}

// RetryTask implements WorkerRepository
func (ms *MemoryStorage) RetryTask(_ context.Context, taskID uuid.UUID, errorMsg string, delay time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}

	ms.setStatus(task, TaskStatusRetrying)
	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil
	task.ScheduledAt = time.Now().Add(max(delay, 0))

	return nil
}

// FailTask implements WorkerRepository
func (ms *MemoryStorage) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}

	now := time.Now()
	ms.setStatus(task, TaskStatusFailed)
	task.Error = &errorMsg
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil

	return nil
}

// MoveToDLQ implements WorkerRepository. The task itself stays readable as failed.
func (ms *MemoryStorage) MoveToDLQ(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	ms.dlq = append(ms.dlq, newDLQEntry(task.clone()))
	return nil
}

// ExtendLock implements WorkerRepository
func (ms *MemoryStorage) ExtendLock(_ context.Context, taskID uuid.UUID, duration time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, err := ms.processing(taskID)
	if err != nil {
		return err
	}

	lockUntil := time.Now().Add(duration)
	task.LockedUntil = &lockUntil

	return nil
}

// DeadLetters returns the dead letter queue, oldest first.
func (ms *MemoryStorage) DeadLetters(_ context.Context) ([]*TasksDlq, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]*TasksDlq, len(ms.dlq))
	for i, e := range ms.dlq {
		c := *e
		out[i] = &c
	}
	return out, nil
}

// Helper methods

func (ms *MemoryStorage) processing(taskID uuid.UUID) (*Task, error) {
	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskStatusProcessing {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotProcessing, taskID)
	}
	return task, nil
}

func (ms *MemoryStorage) setStatus(task *Task, status TaskStatus) {
	ms.byStatus[task.Status] = slices.DeleteFunc(ms.byStatus[task.Status], func(id uuid.UUID) bool {
		return id == task.ID
	})
	task.Status = status
	ms.byStatus[status] = append(ms.byStatus[status], task.ID)
}

// lockExpirationManager recovers tasks claimed by workers that died or hung:
// once LockedUntil passes, the task becomes claimable again.
func (ms *MemoryStorage) lockExpirationManager() {
	for {
		select {
		case <-ms.lockTicker.C:
			ms.expireLocks()
		case <-ms.done:
			return
		}
	}
}

// expireLocks resets processing tasks with expired locks to pending.
// The retry count is left untouched.
func (ms *MemoryStorage) expireLocks() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	for _, taskID := range slices.Clone(ms.byStatus[TaskStatusProcessing]) {
		task := ms.tasks[taskID]
		if task.LockedUntil != nil && task.LockedUntil.Before(now) {
			ms.setStatus(task, TaskStatusPending)
			task.LockedUntil = nil
			task.LockedBy = nil
		}
	}
}
