package queue

import "time"

// EnqueuerOption is a functional option for configuring an Enqueuer
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	defaultQueue      string
	defaultPriority   Priority
	defaultMaxRetries int8
}

// WithDefaultQueue sets the default queue name
func WithDefaultQueue(queue string) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if queue != "" {
			o.defaultQueue = queue
		}
	}
}

// WithDefaultPriority sets the default priority
func WithDefaultPriority(priority Priority) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if priority.Valid() {
			o.defaultPriority = priority
		}
	}
}

// WithDefaultMaxRetries sets the retry ceiling for tasks that don't set one
func WithDefaultMaxRetries(n int8) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if n >= 0 && n <= MaxRetriesLimit {
			o.defaultMaxRetries = n
		}
	}
}

// MaxRetriesLimit caps the per-task retry ceiling.
const MaxRetriesLimit int8 = 10

// EnqueueOption is a functional option for the Enqueue method
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue             string
	priority          Priority
	maxRetries        int8
	delay             time.Duration
	scheduledAt       *time.Time
	taskName          string
	visibilityTimeout time.Duration
	ignoreResult      bool
}

// WithQueue sets the queue for the task
func WithQueue(queue string) EnqueueOption {
	return func(o *enqueueOptions) {
		if queue != "" {
			o.queue = queue
		}
	}
}

// WithPriority sets the priority for the task
func WithPriority(priority Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithMaxRetries sets the maximum number of retries (0-10)
func WithMaxRetries(maxRetries int8) EnqueueOption {
	return func(o *enqueueOptions) {
		if maxRetries >= 0 && maxRetries <= MaxRetriesLimit {
			o.maxRetries = maxRetries
		}
	}
}

// WithDelay sets a delay before the task can be processed
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

// WithScheduledAt sets a specific time for the task to be processed
func WithScheduledAt(scheduledAt time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledAt = &scheduledAt
	}
}

// WithTaskName overrides the message name
func WithTaskName(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.taskName = name
		}
	}
}

// WithVisibilityTimeout sets how long a claimed task stays invisible to other
// workers before it is handed out again
func WithVisibilityTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

// WithIgnoreResult drops the handler result instead of storing it
func WithIgnoreResult(ignore bool) EnqueueOption {
	return func(o *enqueueOptions) {
		o.ignoreResult = ignore
	}
}
