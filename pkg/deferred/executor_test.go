package deferred_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/deferkit/pkg/codec"
	"github.com/dmitrymomot/deferkit/pkg/deferred"
	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/statemachine"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

func job(t *testing.T, p *deferred.Payload) deferred.Job {
	t.Helper()

	body, err := deferred.EncodePayload(codec.Default(), codec.JSONFormat{}, p)
	require.NoError(t, err)
	return deferred.Job{
		TaskID:      "task-1",
		TenantID:    tenantAcme,
		UserID:      userAlice,
		ContentType: codec.JSONFormat{}.ContentType(),
		Body:        body,
		Attempt:     1,
	}
}

func searchPayload() *deferred.Payload {
	return &deferred.Payload{
		EntityType: "widget",
		Method:     "search",
		Args:       []any{[]any{}},
	}
}

func TestExecutor_NewExecutor(t *testing.T) {
	t.Parallel()

	_, err := deferred.NewExecutor(nil, entity.NewRegistry())
	assert.ErrorIs(t, err, txn.ErrOpenerNil)

	_, err = deferred.NewExecutor(txn.NewMemoryStore(), nil)
	assert.ErrorIs(t, err, deferred.ErrRegistryNil)
}

func TestExecutor_CommitSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.executor.Execute(context.Background(), job(t, searchPayload()))

	require.Equal(t, deferred.Succeeded, out.Kind, "err: %v", out.Err)
	assert.Equal(t, []any{int64(1), int64(42)}, out.Value)
	assert.JSONEq(t, `[1,42]`, string(out.Result))
	assert.Equal(t, []deferred.State{
		deferred.StateInit,
		deferred.StateEnsureSchema,
		deferred.StateClearCache,
		deferred.StateDeserialize,
		deferred.StateInvoke,
		deferred.StateCommit,
	}, h.recordedStates())
}

func TestExecutor_EnsureSchemaOncePerTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.store.Seed("globex", widgetKey(1), "bolt")

	for range 3 {
		out := h.executor.Execute(context.Background(), job(t, searchPayload()))
		require.Equal(t, deferred.Succeeded, out.Kind)
	}
	assert.Equal(t, int32(1), h.widgets.inits.Load())
	assert.Equal(t, int32(3), h.cleans.Load())

	assert.False(t, h.executor.TenantInitialized("globex"))
	j := job(t, searchPayload())
	j.TenantID = "globex"
	out := h.executor.Execute(context.Background(), j)
	require.Equal(t, deferred.Succeeded, out.Kind)
	assert.Equal(t, []any{int64(1)}, out.Value)
	assert.Equal(t, int32(2), h.widgets.inits.Load())
	assert.True(t, h.executor.TenantInitialized("globex"))
}

func TestExecutor_MissingAddressing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	j := job(t, searchPayload())
	j.UserID = ""

	out := h.executor.Execute(context.Background(), j)
	require.Equal(t, deferred.Failed, out.Kind)
	assert.Equal(t, deferred.KindInfrastructure, out.Failure.Kind)
	assert.ErrorIs(t, out.Err, deferred.ErrMissingAddressing)
	assert.Equal(t, []deferred.State{deferred.StateInit}, h.recordedStates())
}

func TestExecutor_DecodeFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*deferred.Job)
		target error
	}{
		{
			name:   "garbage body",
			mutate: func(j *deferred.Job) { j.Body = []byte("{not json") },
			target: codec.ErrDecode,
		},
		{
			name:   "unknown content type",
			mutate: func(j *deferred.Job) { j.ContentType = "application/x-unknown" },
			target: codec.ErrUnknownContentType,
		},
		{
			name:   "payload is not an object",
			mutate: func(j *deferred.Job) { j.Body = []byte(`[1,2]`) },
			target: deferred.ErrInvalidPayload,
		},
		{
			name: "instance no longer exists",
			mutate: func(j *deferred.Job) {
				j.Body = []byte(`{"entity_type":"widget","entity_instance":{"__class__":"Model","repr":"widget,404"},` +
					`"method_name":"Activate","args":[],"kwargs":{},"context":{}}`)
			},
			target: entity.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			j := job(t, searchPayload())
			tt.mutate(&j)

			out := h.executor.Execute(context.Background(), j)
			require.Equal(t, deferred.Failed, out.Kind)
			assert.Equal(t, deferred.KindDecode, out.Failure.Kind)
			assert.ErrorIs(t, out.Err, tt.target)
		})
	}
}

func TestExecutor_DecodeFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	j := job(t, searchPayload())
	j.Body = []byte(`{"entity_type":"widget"}`)

	out := h.executor.Execute(context.Background(), j)
	require.Equal(t, deferred.Failed, out.Kind)
	assert.Equal(t, []deferred.State{
		deferred.StateInit,
		deferred.StateEnsureSchema,
		deferred.StateClearCache,
		deferred.StateDeserialize,
		deferred.StateRollbackFatal,
	}, h.recordedStates())
}

func TestExecutor_PanicIsOperationFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "explode"}))

	require.Equal(t, deferred.Failed, out.Kind)
	assert.Equal(t, deferred.KindOperation, out.Failure.Kind)
	assert.Equal(t, "operation: panic: kaboom", out.Failure.Error())

	states := h.recordedStates()
	assert.Equal(t, deferred.StateRollbackFatal, states[len(states)-1])
}

func TestExecutor_RetryDirective(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "touch_and_retry"}))

	require.Equal(t, deferred.RetryRequested, out.Kind)
	assert.False(t, out.Conflict)
	assert.Equal(t, 5*time.Second, out.Delay)

	var directive *deferred.RetryDirective
	assert.ErrorAs(t, out.Err, &directive)

	_, touched := h.store.Value(tenantAcme, "widget:touched")
	assert.False(t, touched)
}

func TestExecutor_ConflictFromOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.conflicts.Store(1)

	out := h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "contended"}))
	require.Equal(t, deferred.RetryRequested, out.Kind)
	assert.True(t, out.Conflict)
	assert.True(t, txn.IsConflict(out.Err))

	states := h.recordedStates()
	assert.Equal(t, deferred.StateRollbackRetry, states[len(states)-1])
}

func TestExecutor_ConflictAtCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "bump"}))

	require.Equal(t, deferred.RetryRequested, out.Kind)
	assert.True(t, out.Conflict)

	counter, _ := h.store.Value(tenantAcme, "counter")
	assert.Equal(t, 100, counter, "the losing write is discarded")

	states := h.recordedStates()
	assert.Equal(t, []deferred.State{deferred.StateCommit, deferred.StateRollbackRetry}, states[len(states)-2:])

	h.resetStates()
	out = h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "bump"}))
	require.Equal(t, deferred.Succeeded, out.Kind)
	assert.Equal(t, 101, out.Value)
}

func TestExecutor_UnknownMethodIsInfrastructure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "nope"}))

	require.Equal(t, deferred.Failed, out.Kind)
	assert.Equal(t, deferred.KindInfrastructure, out.Failure.Kind)
	assert.ErrorIs(t, out.Err, entity.ErrMethodNotFound)
}

func TestExecutor_UnencodableResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out := h.executor.Execute(context.Background(), job(t, &deferred.Payload{EntityType: "widget", Method: "channel"}))

	require.Equal(t, deferred.Failed, out.Kind)
	assert.Equal(t, deferred.KindOperation, out.Failure.Kind)
	assert.ErrorIs(t, out.Err, codec.ErrUnsupportedType)
}

func TestExecutor_InvokeFuncSeesWorkerSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	exec, err := deferred.NewExecutor(h.store, h.entities,
		deferred.WithExecutorLogger(discard),
		deferred.WithInvokeFunc(func(ctx context.Context, p *deferred.Payload) (any, error) {
			sess, ok := txn.FromContext(ctx)
			require.True(t, ok)
			assert.Equal(t, tenantAcme, sess.TenantID())
			assert.Equal(t, userAlice, sess.UserID())
			assert.False(t, sess.ReadOnly())

			_, ok = entity.ResolverFromContext(ctx)
			assert.True(t, ok)

			return sess.Context()["lang"], nil
		}),
	)
	require.NoError(t, err)

	p := searchPayload()
	p.Context = map[string]any{"lang": "de_DE"}

	out := exec.Execute(context.Background(), job(t, p))
	require.Equal(t, deferred.Succeeded, out.Kind)
	assert.Equal(t, "de_DE", out.Value)
}

func TestExecutor_CacheCleanerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	exec, err := deferred.NewExecutor(h.store, h.entities,
		deferred.WithExecutorLogger(discard),
		deferred.WithCacheCleaners(deferred.CacheCleanerFunc(func(context.Context, string) error {
			return errors.New("cache unavailable")
		})),
	)
	require.NoError(t, err)

	out := exec.Execute(context.Background(), job(t, searchPayload()))
	require.Equal(t, deferred.Failed, out.Kind)
	assert.Equal(t, deferred.KindInfrastructure, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "clear caches")
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	advance := statemachine.StringEvent("advance")
	settle := statemachine.StringEvent("settle")
	linear := []deferred.State{
		deferred.StateEnsureSchema,
		deferred.StateClearCache,
		deferred.StateDeserialize,
		deferred.StateInvoke,
	}

	walk := func(t *testing.T, to deferred.State) *statemachine.Machine {
		t.Helper()
		m, err := deferred.Transitions().Start(deferred.StateInit)
		require.NoError(t, err)
		for _, s := range linear {
			require.NoError(t, m.Fire(context.Background(), advance, nil))
			if s == to {
				break
			}
		}
		require.Equal(t, to, m.Current())
		return m
	}

	tests := []struct {
		name string
		from deferred.State
		out  []deferred.Outcome
		want deferred.State
	}{
		{name: "commit", from: deferred.StateInvoke, out: []deferred.Outcome{deferred.OutcomeSuccess(1)}, want: deferred.StateCommit},
		{name: "retry", from: deferred.StateInvoke, out: []deferred.Outcome{deferred.OutcomeRetry(time.Second, false, nil)}, want: deferred.StateRollbackRetry},
		{name: "fatal", from: deferred.StateInvoke, out: []deferred.Outcome{deferred.OutcomeFailure(deferred.KindOperation, errors.New("x"))}, want: deferred.StateRollbackFatal},
		{name: "undecodable", from: deferred.StateDeserialize, out: []deferred.Outcome{deferred.OutcomeFailure(deferred.KindDecode, errors.New("x"))}, want: deferred.StateRollbackFatal},
		{
			name: "commit conflict",
			from: deferred.StateInvoke,
			out:  []deferred.Outcome{deferred.OutcomeSuccess(1), deferred.OutcomeRetry(0, true, txn.ErrStorageConflict)},
			want: deferred.StateRollbackRetry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := walk(t, tt.from)
			for _, out := range tt.out {
				require.NoError(t, m.Fire(context.Background(), settle, out))
			}
			assert.Equal(t, tt.want, m.Current())
			assert.True(t, m.Done())
		})
	}

	t.Run("illegal", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		m, err := deferred.Transitions().Start(deferred.StateInit)
		require.NoError(t, err)
		assert.ErrorIs(t, m.Fire(ctx, settle, deferred.OutcomeSuccess(nil)), statemachine.ErrNoTransition)

		m = walk(t, deferred.StateDeserialize)
		assert.ErrorIs(t, m.Fire(ctx, settle, deferred.OutcomeSuccess(nil)), statemachine.ErrTransitionRejected)
		assert.ErrorIs(t, m.Fire(ctx, settle, "not an outcome"), statemachine.ErrTransitionRejected)

		m = walk(t, deferred.StateInvoke)
		require.NoError(t, m.Fire(ctx, settle, deferred.OutcomeSuccess(nil)))
		assert.ErrorIs(t, m.Fire(ctx, settle, deferred.OutcomeSuccess(nil)), statemachine.ErrTransitionRejected)
		assert.ErrorIs(t, m.Fire(ctx, advance, nil), statemachine.ErrNoTransition)
	})
}
