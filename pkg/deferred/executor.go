package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/deferkit/pkg/codec"
	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/logger"
	"github.com/dmitrymomot/deferkit/pkg/queue"
	"github.com/dmitrymomot/deferkit/pkg/statemachine"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

// State is a step of task execution.
type State string

const (
	StateInit          State = "INIT"
	StateEnsureSchema  State = "ENSURE_SCHEMA"
	StateClearCache    State = "CLEAR_CACHE"
	StateDeserialize   State = "DESERIALIZE"
	StateInvoke        State = "INVOKE"
	StateCommit        State = "COMMIT"
	StateRollbackRetry State = "ROLLBACK_RETRY"
	StateRollbackFatal State = "ROLLBACK_FATAL"
)

// Name implements statemachine.State.
func (s State) Name() string { return string(s) }

const (
	// eventAdvance moves along the linear part of the flow.
	eventAdvance = statemachine.StringEvent("advance")
	// eventSettle carries an Outcome and branches on its kind.
	eventSettle = statemachine.StringEvent("settle")
)

func outcomeIs(kind OutcomeKind) statemachine.Guard {
	return func(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
		out, ok := data.(Outcome)
		return ok && out.Kind == kind
	}
}

var executorTransitions = statemachine.MustNewTable(
	statemachine.Transition{From: StateInit, To: StateEnsureSchema, Event: eventAdvance},
	statemachine.Transition{From: StateEnsureSchema, To: StateClearCache, Event: eventAdvance},
	statemachine.Transition{From: StateClearCache, To: StateDeserialize, Event: eventAdvance},
	statemachine.Transition{From: StateDeserialize, To: StateInvoke, Event: eventAdvance},

	statemachine.Transition{From: StateDeserialize, To: StateRollbackFatal, Event: eventSettle,
		Guards: []statemachine.Guard{outcomeIs(Failed)}},

	statemachine.Transition{From: StateInvoke, To: StateCommit, Event: eventSettle,
		Guards: []statemachine.Guard{outcomeIs(Succeeded)}},
	statemachine.Transition{From: StateInvoke, To: StateRollbackRetry, Event: eventSettle,
		Guards: []statemachine.Guard{outcomeIs(RetryRequested)}},
	statemachine.Transition{From: StateInvoke, To: StateRollbackFatal, Event: eventSettle,
		Guards: []statemachine.Guard{outcomeIs(Failed)}},

	statemachine.Transition{From: StateCommit, To: StateRollbackRetry, Event: eventSettle,
		Guards: []statemachine.Guard{outcomeIs(RetryRequested)}},
	statemachine.Transition{From: StateCommit, To: StateRollbackFatal, Event: eventSettle,
		Guards: []statemachine.Guard{outcomeIs(Failed)}},
)

// Transitions returns the table every execution runs over.
func Transitions() *statemachine.Table {
	return executorTransitions
}

// Job is one delivery of a task to the executor.
type Job struct {
	TaskID      string
	TenantID    string
	UserID      string
	ContentType string
	Body        []byte
	Attempt     int
}

// CacheCleaner drops process-local state cached for a tenant.
type CacheCleaner interface {
	Clean(ctx context.Context, tenantID string) error
}

// CacheCleanerFunc adapts a function to CacheCleaner.
type CacheCleanerFunc func(ctx context.Context, tenantID string) error

func (f CacheCleanerFunc) Clean(ctx context.Context, tenantID string) error {
	return f(ctx, tenantID)
}

// InvokeFunc runs a decoded payload. ctx carries the worker session.
type InvokeFunc func(ctx context.Context, p *Payload) (any, error)

// StateObserver is notified on every state the executor enters.
type StateObserver func(ctx context.Context, job Job, state State)

// Executor runs deferred calls on the worker side.
type Executor struct {
	opener          txn.Opener
	entities        *entity.Registry
	codecs          *codec.Registry
	formats         *codec.Formats
	cleaners        []CacheCleaner
	invoke          InvokeFunc
	observer        StateObserver
	conflictBackoff time.Duration
	logger          *slog.Logger

	mu          sync.RWMutex
	initialized map[string]struct{}
	initGroup   singleflight.Group
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorCodecs replaces the default codec registry.
func WithExecutorCodecs(reg *codec.Registry) ExecutorOption {
	return func(e *Executor) {
		if reg != nil {
			e.codecs = reg
		}
	}
}

// WithExecutorFormats replaces the default wire formats.
func WithExecutorFormats(fs *codec.Formats) ExecutorOption {
	return func(e *Executor) {
		if fs != nil {
			e.formats = fs
		}
	}
}

// WithCacheCleaners registers caches cleaned before every task.
func WithCacheCleaners(cleaners ...CacheCleaner) ExecutorOption {
	return func(e *Executor) {
		for _, c := range cleaners {
			if c != nil {
				e.cleaners = append(e.cleaners, c)
			}
		}
	}
}

// WithInvokeFunc replaces how a decoded payload is run.
// The default calls the method through the entity registry.
func WithInvokeFunc(fn InvokeFunc) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.invoke = fn
		}
	}
}

// WithStateObserver registers fn to be told about state transitions.
func WithStateObserver(fn StateObserver) ExecutorOption {
	return func(e *Executor) {
		e.observer = fn
	}
}

// WithConflictBackoff sets the retry delay reported for storage conflicts.
func WithConflictBackoff(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.conflictBackoff = d
		}
	}
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an Executor opening sessions with opener and resolving
// entities through entities.
func NewExecutor(opener txn.Opener, entities *entity.Registry, opts ...ExecutorOption) (*Executor, error) {
	if opener == nil {
		return nil, txn.ErrOpenerNil
	}
	if entities == nil {
		return nil, ErrRegistryNil
	}

	e := &Executor{
		opener:          opener,
		entities:        entities,
		codecs:          codec.Default(),
		formats:         codec.DefaultFormats(),
		conflictBackoff: DefaultConfig().ConflictBackoff,
		logger:          slog.Default(),
		initialized:     make(map[string]struct{}),
	}
	e.invoke = e.InvokePayload
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs one job through the state machine:
//
//	INIT -> ENSURE_SCHEMA -> CLEAR_CACHE -> DESERIALIZE -> INVOKE
//	     -> COMMIT | ROLLBACK_RETRY | ROLLBACK_FATAL
//
// Every attempt starts from scratch; nothing of a rolled back attempt is kept.
func (e *Executor) Execute(ctx context.Context, job Job) Outcome {
	start := time.Now()
	log := e.logger.With(
		logger.Component("executor"),
		logger.TaskID(job.TaskID),
		logger.TenantID(job.TenantID),
		logger.UserID(job.UserID),
	)

	out := e.execute(ctx, job)

	switch out.Kind {
	case Succeeded:
		log.InfoContext(ctx, "deferred call committed", logger.Duration(time.Since(start)))
	case RetryRequested:
		log.WarnContext(ctx, "deferred call rolled back for retry",
			logger.Duration(time.Since(start)),
			slog.Duration("delay", out.Delay),
			slog.Bool("conflict", out.Conflict),
			logger.Error(out.Err))
	case Failed:
		log.ErrorContext(ctx, "deferred call failed",
			logger.Duration(time.Since(start)),
			slog.String("kind", string(out.Failure.Kind)),
			logger.Error(out.Err))
	}
	return out
}

func (e *Executor) execute(ctx context.Context, job Job) Outcome {
	run, err := executorTransitions.Start(StateInit, func(ctx context.Context, _, to statemachine.State, _ statemachine.Event, _ any) error {
		e.enter(ctx, job, to.(State))
		return nil
	})
	if err != nil {
		return OutcomeFailure(KindInfrastructure, err)
	}

	e.enter(ctx, job, StateInit)
	if job.TenantID == "" || job.UserID == "" {
		return OutcomeFailure(KindInfrastructure, ErrMissingAddressing)
	}
	format, err := e.formats.Get(job.ContentType)
	if err != nil {
		return OutcomeFailure(KindDecode, err)
	}

	if err := run.Fire(ctx, eventAdvance, nil); err != nil {
		return OutcomeFailure(KindInfrastructure, err)
	}
	if err := e.ensureTenant(ctx, job); err != nil {
		return e.infrastructure(err)
	}

	if err := run.Fire(ctx, eventAdvance, nil); err != nil {
		return OutcomeFailure(KindInfrastructure, err)
	}
	if err := e.clearCaches(ctx, job); err != nil {
		return e.infrastructure(err)
	}

	if err := run.Fire(ctx, eventAdvance, nil); err != nil {
		return OutcomeFailure(KindInfrastructure, err)
	}
	sess, err := e.opener.Open(ctx, txn.Options{TenantID: job.TenantID, UserID: job.UserID})
	if err != nil {
		return e.infrastructure(err)
	}
	sessCtx := txn.WithSession(entity.WithResolver(ctx, e.entities), sess)

	payload, err := guard(func() (*Payload, error) {
		return DecodePayload(sessCtx, e.codecs, format, job.Body)
	})
	if err != nil {
		return e.settle(sessCtx, run, job, sess, OutcomeFailure(KindDecode, err))
	}

	if err := run.Fire(ctx, eventAdvance, nil); err != nil {
		return e.settle(sessCtx, run, job, sess, OutcomeFailure(KindInfrastructure, err))
	}
	sess.PushContext(payload.Context)
	value, err := guard(func() (any, error) {
		return e.invoke(sessCtx, payload)
	})
	sess.PopContext()

	out := e.classify(value, err)
	if out.Kind == Succeeded {
		// Encode before committing: a result that cannot travel fails the call.
		if out.Result, err = e.codecs.Marshal(format, value); err != nil {
			out = OutcomeFailure(KindOperation, fmt.Errorf("encode result: %w", err))
		}
	}
	return e.settle(sessCtx, run, job, sess, out)
}

// settle moves run to the state selected by out and ends sess accordingly.
// A failed commit settles again from COMMIT.
func (e *Executor) settle(ctx context.Context, run *statemachine.Machine, job Job, sess txn.Session, out Outcome) Outcome {
	if err := run.Fire(ctx, eventSettle, out); err != nil {
		e.rollback(ctx, job, sess)
		return OutcomeFailure(KindInfrastructure, err)
	}

	if run.Current() != StateCommit {
		e.rollback(ctx, job, sess)
		return out
	}

	if err := sess.Commit(ctx); err != nil {
		if txn.IsConflict(err) {
			return e.settle(ctx, run, job, sess, OutcomeRetry(e.conflictBackoff, true, err))
		}
		return e.settle(ctx, run, job, sess, OutcomeFailure(KindInfrastructure, err))
	}
	return out
}

// InvokePayload is the default InvokeFunc. An instance payload calls the
// method on the instance decoded in the worker session; otherwise the method
// is called on the entity type.
func (e *Executor) InvokePayload(ctx context.Context, p *Payload) (any, error) {
	if p.Instance != nil {
		target := any(p.Instance)
		if _, ok := p.Instance.(entity.Invocable); !ok {
			live, err := e.entities.Lookup(ctx, entity.RefOf(p.Instance))
			if err != nil {
				return nil, err
			}
			target = live
		}
		return e.entities.Invoke(ctx, target, p.Method, p.Args, p.Kwargs)
	}

	typ, err := e.entities.Resolve(p.EntityType)
	if err != nil {
		return nil, err
	}
	return e.entities.Invoke(ctx, typ, p.Method, p.Args, p.Kwargs)
}

// Handler adapts the executor to the queue worker. Retries requested by the
// operation keep their delay; storage conflicts use the worker's backoff.
func (e *Executor) Handler() queue.Handler {
	return queue.NewHandler(TaskName, func(ctx context.Context, task *queue.Task) ([]byte, error) {
		out := e.Execute(ctx, Job{
			TaskID:      task.ID.String(),
			TenantID:    task.Header(queue.HeaderTenantID),
			UserID:      task.Header(queue.HeaderUserID),
			ContentType: task.ContentType,
			Body:        task.Payload,
			Attempt:     int(task.RetryCount) + 1,
		})

		switch out.Kind {
		case Succeeded:
			return out.Result, nil
		case RetryRequested:
			if out.Conflict {
				return nil, queue.RetryWithBackoff(newTaskFailed(KindInfrastructure, out.Err))
			}
			return nil, queue.Retry(out.Delay, newTaskFailed(KindOperation, out.Err))
		default:
			return nil, out.Failure
		}
	})
}

// TenantInitialized reports whether ENSURE_SCHEMA already ran for tenantID.
func (e *Executor) TenantInitialized(tenantID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.initialized[tenantID]
	return ok
}

// ensureTenant runs the registry's tenant initialization once per tenant
// per executor, in a read-only session.
func (e *Executor) ensureTenant(ctx context.Context, job Job) error {
	if e.TenantInitialized(job.TenantID) {
		return nil
	}

	_, err, _ := e.initGroup.Do(job.TenantID, func() (any, error) {
		if e.TenantInitialized(job.TenantID) {
			return nil, nil
		}

		err := e.inSession(ctx, txn.Options{TenantID: job.TenantID, UserID: job.UserID, ReadOnly: true},
			func(sessCtx context.Context) error {
				return e.entities.InitTenant(sessCtx, job.TenantID)
			})
		if err != nil {
			return nil, fmt.Errorf("initialize tenant: %w", err)
		}

		e.mu.Lock()
		e.initialized[job.TenantID] = struct{}{}
		e.mu.Unlock()

		e.logger.InfoContext(ctx, "tenant initialized", logger.TenantID(job.TenantID))
		return nil, nil
	})
	return err
}

// clearCaches runs before every task so the real session sees fresh state.
func (e *Executor) clearCaches(ctx context.Context, job Job) error {
	if len(e.cleaners) == 0 {
		return nil
	}
	err := e.inSession(ctx, txn.Options{TenantID: job.TenantID, UserID: job.UserID},
		func(sessCtx context.Context) error {
			var errs []error
			for _, c := range e.cleaners {
				errs = append(errs, c.Clean(sessCtx, job.TenantID))
			}
			return errors.Join(errs...)
		})
	if err != nil {
		return fmt.Errorf("clear caches: %w", err)
	}
	return nil
}

// inSession runs fn in a short session committed on success.
func (e *Executor) inSession(ctx context.Context, opts txn.Options, fn func(context.Context) error) error {
	sess, err := e.opener.Open(ctx, opts)
	if err != nil {
		return err
	}
	sessCtx := txn.WithSession(ctx, sess)

	if err := fn(sessCtx); err != nil {
		_ = sess.Rollback(sessCtx)
		return err
	}
	return sess.Commit(sessCtx)
}

func (e *Executor) infrastructure(err error) Outcome {
	if txn.IsConflict(err) {
		return OutcomeRetry(e.conflictBackoff, true, err)
	}
	return OutcomeFailure(KindInfrastructure, err)
}

func (e *Executor) rollback(ctx context.Context, job Job, sess txn.Session) {
	if err := sess.Rollback(ctx); err != nil && !errors.Is(err, txn.ErrSessionClosed) {
		e.logger.WarnContext(ctx, "rollback failed",
			logger.TaskID(job.TaskID),
			logger.Error(err))
	}
}

func (e *Executor) enter(ctx context.Context, job Job, state State) {
	e.logger.DebugContext(ctx, "executor state",
		logger.TaskID(job.TaskID),
		logger.State(string(state)))
	if e.observer != nil {
		e.observer(ctx, job, state)
	}
}

// guard turns a panic in fn into an error.
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
