package deferred

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/deferkit/pkg/codec"
)

// Status is the caller-visible state of a deferred call.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusRetry   Status = "RETRY"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether the status will not change anymore.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Handle tracks a dispatched call.
type Handle interface {
	ID() string
	Status(ctx context.Context) (Status, error)
	// Result returns the call's return value once it succeeded,
	// a *TaskFailedError once it failed and ErrResultNotReady before that.
	Result(ctx context.Context) (any, error)
	// Await polls until the call finishes or timeout elapses. A non-positive
	// timeout waits as long as ctx allows. Timing out does not cancel the call.
	Await(ctx context.Context, timeout time.Duration) (any, error)
}

// ImmediateResult is what Build returns in synchronous mode: the call already
// ran and its value is captured. It is both a Deferred and a Handle.
type ImmediateResult struct {
	id    string
	value any
}

func newImmediateResult(value any) *ImmediateResult {
	return &ImmediateResult{id: uuid.NewString(), value: value}
}

func (*ImmediateResult) deferred() {}

func (r *ImmediateResult) ID() string { return r.id }

// Value returns the captured return value.
func (r *ImmediateResult) Value() any { return r.value }

func (r *ImmediateResult) Status(context.Context) (Status, error) {
	return StatusSuccess, nil
}

func (r *ImmediateResult) Result(context.Context) (any, error) {
	return r.value, nil
}

func (r *ImmediateResult) Await(context.Context, time.Duration) (any, error) {
	return r.value, nil
}

// taskHandle follows a queued task through a QueueClient.
type taskHandle struct {
	id       string
	client   QueueClient
	codecs   *codec.Registry
	formats  *codec.Formats
	interval time.Duration
}

func (h *taskHandle) ID() string { return h.id }

func (h *taskHandle) Status(ctx context.Context) (Status, error) {
	state, err := h.client.Inspect(ctx, h.id)
	if err != nil {
		return "", err
	}
	return state.Status, nil
}

func (h *taskHandle) Result(ctx context.Context) (any, error) {
	state, err := h.client.Inspect(ctx, h.id)
	if err != nil {
		return nil, err
	}
	return h.result(ctx, state)
}

func (h *taskHandle) result(ctx context.Context, state TaskState) (any, error) {
	switch state.Status {
	case StatusSuccess:
		if len(state.Result) == 0 {
			return nil, nil
		}
		f, err := h.formats.Get(state.ContentType)
		if err != nil {
			return nil, err
		}
		return h.codecs.Unmarshal(ctx, f, state.Result)
	case StatusFailure:
		return nil, ParseFailure(state.Error)
	default:
		return nil, ErrResultNotReady
	}
}

func (h *taskHandle) Await(ctx context.Context, timeout time.Duration) (any, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		state, err := h.client.Inspect(ctx, h.id)
		if err != nil {
			return nil, err
		}
		if state.Status.Terminal() {
			return h.result(ctx, state)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
