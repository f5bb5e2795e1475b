package queue

import "context"

type (
	// Handler executes claimed tasks of one task name. The returned bytes are
	// stored as the task result unless the task ignores results.
	Handler interface {
		Name() string
		Handle(ctx context.Context, task *Task) ([]byte, error)
	}

	HandlerFunc func(ctx context.Context, task *Task) ([]byte, error)
)

// NewHandler creates a handler for tasks named name.
func NewHandler(name string, fn HandlerFunc) Handler {
	return &taskHandler{name: name, fn: fn}
}

type taskHandler struct {
	name string
	fn   HandlerFunc
}

func (h *taskHandler) Name() string {
	return h.name
}

func (h *taskHandler) Handle(ctx context.Context, task *Task) ([]byte, error) {
	return h.fn(ctx, task)
}
