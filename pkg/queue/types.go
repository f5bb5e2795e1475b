package queue

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is the default queue name used when no queue is specified
const DefaultQueueName = "default"

// Well-known task headers. Addressing travels next to the payload, never inside it.
const (
	HeaderTenantID = "tenant_id"
	HeaderUserID   = "user_id"
)

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further attempt will be made.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Claimable reports whether a worker may pick the task up once it is due.
func (s TaskStatus) Claimable() bool {
	return s == TaskStatusPending || s == TaskStatusRetrying
}

// Priority represents task priority (0-100, higher is more important)
type Priority int8

// Priority constants
const (
	PriorityMin     Priority = 0
	PriorityLow     Priority = 25
	PriorityMedium  Priority = 50
	PriorityHigh    Priority = 75
	PriorityMax     Priority = 100
	PriorityDefault Priority = PriorityMedium
)

// Valid checks if the priority is within valid range
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// Message is an opaque unit of work handed to the Enqueuer.
// The queue never looks inside Body; ContentType tells the handler how to read it.
type Message struct {
	Name        string
	ContentType string
	Body        []byte
	Headers     map[string]string
}

// Task represents a task in the queue
type Task struct {
	ID                uuid.UUID         `json:"id"`
	Queue             string            `json:"queue"`
	TaskName          string            `json:"task_name"`
	ContentType       string            `json:"content_type,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	Payload           []byte            `json:"payload,omitempty"`
	Status            TaskStatus        `json:"status"`
	Priority          Priority          `json:"priority"`
	RetryCount        int8              `json:"retry_count"`
	MaxRetries        int8              `json:"max_retries"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	VisibilityTimeout time.Duration     `json:"visibility_timeout,omitempty"`
	IgnoreResult      bool              `json:"ignore_result,omitempty"`
	LockedUntil       *time.Time        `json:"locked_until,omitempty"`
	LockedBy          *uuid.UUID        `json:"locked_by,omitempty"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
	Error             *string           `json:"error,omitempty"`
	Result            []byte            `json:"result,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Header returns the value of a task header.
func (t *Task) Header(key string) string {
	if t == nil || t.Headers == nil {
		return ""
	}
	return t.Headers[key]
}

// lockDuration returns how long a claim on the task stays valid.
func (t *Task) lockDuration(fallback time.Duration) time.Duration {
	if t.VisibilityTimeout > 0 {
		return t.VisibilityTimeout
	}
	return fallback
}

// clone returns a deep copy so storages never share mutable state with callers.
func (t *Task) clone() *Task {
	c := *t
	c.Headers = maps.Clone(t.Headers)
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	return &c
}

// TasksDlq represents a task in the dead letter queue
// Stores failed tasks for manual inspection and recovery
type TasksDlq struct {
	ID          uuid.UUID         `json:"id"`
	TaskID      uuid.UUID         `json:"task_id"`
	Queue       string            `json:"queue"`
	TaskName    string            `json:"task_name"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Priority    Priority          `json:"priority"`
	Error       string            `json:"error"`
	RetryCount  int8              `json:"retry_count"`
	FailedAt    time.Time         `json:"failed_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

func newDLQEntry(task *Task) *TasksDlq {
	now := time.Now()
	entry := &TasksDlq{
		ID:          uuid.New(),
		TaskID:      task.ID,
		Queue:       task.Queue,
		TaskName:    task.TaskName,
		ContentType: task.ContentType,
		Headers:     task.Headers,
		Payload:     task.Payload,
		Priority:    task.Priority,
		RetryCount:  task.RetryCount,
		FailedAt:    now,
		CreatedAt:   now,
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}
	return entry
}
