package queue

import (
	"log/slog"
	"time"
)

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	queues             []string
	pullInterval       time.Duration
	lockTimeout        time.Duration
	shutdownTimeout    time.Duration
	maxConcurrentTasks int
	backoff            BackoffFunc
	logger             *slog.Logger
}

// BackoffFunc returns the delay before retry attempt n, starting at 1.
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff waits step, 2*step, 3*step... between attempts.
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(max(attempt, 1)) * step
	}
}

// WithQueues sets the queues the worker claims from, in priority order.
func WithQueues(queues ...string) WorkerOption {
	return func(o *workerOptions) {
		if len(queues) > 0 {
			o.queues = queues
		}
	}
}

// WithPullInterval sets how often idle slots poll for due tasks.
func WithPullInterval(d time.Duration) WorkerOption {
	return positiveDuration(d, func(o *workerOptions) *time.Duration { return &o.pullInterval })
}

// WithLockTimeout sets how long a claimed task stays invisible to other
// workers when its message carries no visibility timeout.
func WithLockTimeout(d time.Duration) WorkerOption {
	return positiveDuration(d, func(o *workerOptions) *time.Duration { return &o.lockTimeout })
}

// WithShutdownTimeout bounds how long Stop waits for running tasks.
// Zero waits indefinitely.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return positiveDuration(d, func(o *workerOptions) *time.Duration { return &o.shutdownTimeout })
}

// WithMaxConcurrentTasks sets the number of tasks executed in parallel.
func WithMaxConcurrentTasks(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.maxConcurrentTasks = n
		}
	}
}

// WithRetryBackoff sets the delay policy for RetryWithBackoff errors.
func WithRetryBackoff(fn BackoffFunc) WorkerOption {
	return func(o *workerOptions) {
		if fn != nil {
			o.backoff = fn
		}
	}
}

// WithWorkerLogger sets the worker logger. Nil is ignored.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func positiveDuration(d time.Duration, field func(*workerOptions) *time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			*field(o) = d
		}
	}
}
