package deferred

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/deferkit/pkg/codec"
	"github.com/dmitrymomot/deferkit/pkg/logger"
	"github.com/dmitrymomot/deferkit/pkg/queue"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

// DispatchOption adjusts the queue options of one dispatch.
type DispatchOption func(*QueueOptions)

// WithQueue routes the task to a named queue.
func WithQueue(name string) DispatchOption {
	return func(o *QueueOptions) {
		if name != "" {
			o.Queue = name
		}
	}
}

// WithVisibilityTimeout sets how long a worker may hold the task before it is
// handed to another worker.
func WithVisibilityTimeout(d time.Duration) DispatchOption {
	return func(o *QueueOptions) {
		o.VisibilityTimeout = d
	}
}

// WithIgnoreResult drops the return value instead of storing it.
func WithIgnoreResult() DispatchOption {
	return func(o *QueueOptions) {
		o.IgnoreResult = true
	}
}

// WithMaxRetries overrides the retry ceiling of the task.
func WithMaxRetries(n int8) DispatchOption {
	return func(o *QueueOptions) {
		o.MaxRetries = n
	}
}

// WithCountdown delays the first attempt.
func WithCountdown(d time.Duration) DispatchOption {
	return func(o *QueueOptions) {
		o.Countdown = d
	}
}

// WithPriority sets the task priority.
func WithPriority(p queue.Priority) DispatchOption {
	return func(o *QueueOptions) {
		o.Priority = p
	}
}

// Dispatcher hands payloads to the queue.
type Dispatcher struct {
	builder     *Builder
	client      QueueClient
	codecs      *codec.Registry
	formats     *codec.Formats
	contentType string
	defaults    QueueOptions
	interval    time.Duration
	logger      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherCodecs replaces the default codec registry.
func WithDispatcherCodecs(reg *codec.Registry) DispatcherOption {
	return func(d *Dispatcher) {
		if reg != nil {
			d.codecs = reg
		}
	}
}

// WithDispatcherFormats replaces the default wire formats.
func WithDispatcherFormats(fs *codec.Formats) DispatcherOption {
	return func(d *Dispatcher) {
		if fs != nil {
			d.formats = fs
		}
	}
}

// WithDispatcherLogger sets the dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a Dispatcher. cfg provides the content type, the
// default queue, the retry ceiling and the result polling interval.
func NewDispatcher(builder *Builder, client QueueClient, cfg Config, opts ...DispatcherOption) (*Dispatcher, error) {
	if builder == nil {
		return nil, ErrBuilderNil
	}
	if client == nil {
		return nil, ErrQueueClientNil
	}

	d := &Dispatcher{
		builder:     builder,
		client:      client,
		codecs:      codec.Default(),
		formats:     codec.DefaultFormats(),
		contentType: cfg.ContentType,
		defaults: QueueOptions{
			Queue:      cfg.Queue,
			MaxRetries: cfg.MaxRetries,
			Priority:   queue.PriorityDefault,
		},
		interval: cfg.ResultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.contentType == "" {
		d.contentType = codec.ContentTypeFor(codec.JSONName)
	}
	if d.interval <= 0 {
		d.interval = DefaultConfig().ResultPollInterval
	}
	if _, err := d.formats.Get(d.contentType); err != nil {
		return nil, err
	}
	return d, nil
}

// Dispatch queues d for execution and returns a handle to follow it.
//
// An *ImmediateResult is returned as is; the queue is never contacted.
// A *Payload requires an active session in ctx: its tenant and user address
// the task.
func (d *Dispatcher) Dispatch(ctx context.Context, def Deferred, opts ...DispatchOption) (Handle, error) {
	switch v := def.(type) {
	case *ImmediateResult:
		return v, nil
	case *Payload:
		return d.dispatchPayload(ctx, v, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported deferred value %T", ErrInvalidPayload, def)
	}
}

// Apply builds call and dispatches it.
func (d *Dispatcher) Apply(ctx context.Context, call Call, opts ...DispatchOption) (Handle, error) {
	def, err := d.builder.Build(ctx, call)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, def, opts...)
}

func (d *Dispatcher) dispatchPayload(ctx context.Context, p *Payload, opts []DispatchOption) (Handle, error) {
	sess, ok := txn.FromContext(ctx)
	if !ok {
		return nil, ErrNoActiveSession
	}

	format, err := d.formats.Get(d.contentType)
	if err != nil {
		return nil, err
	}
	body, err := EncodePayload(d.codecs, format, p)
	if err != nil {
		return nil, err
	}

	options := d.defaults
	for _, opt := range opts {
		opt(&options)
	}

	env := Envelope{
		Addressing:  Addressing{TenantID: sess.TenantID(), UserID: sess.UserID()},
		ContentType: format.ContentType(),
		Body:        body,
	}
	id, err := d.client.Enqueue(ctx, env, options)
	if err != nil {
		return nil, fmt.Errorf("enqueue deferred call: %w", err)
	}

	d.logger.InfoContext(ctx, "deferred call dispatched",
		logger.TaskID(id),
		logger.EntityType(p.EntityType),
		logger.Method(p.Method),
		logger.Queue(options.Queue))

	return &taskHandle{
		id:       id,
		client:   d.client,
		codecs:   d.codecs,
		formats:  d.formats,
		interval: d.interval,
	}, nil
}
