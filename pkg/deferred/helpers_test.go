package deferred_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/deferkit/pkg/cache"
	"github.com/dmitrymomot/deferkit/pkg/deferred"
	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/queue"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

const (
	tenantAcme = "acme"
	userAlice  = "alice"
)

var discard = slog.New(slog.DiscardHandler)

// widget is a test entity stored in a txn.MemoryStore under "widget:<id>".
type widget struct {
	id   int64
	name string
}

func (w *widget) EntityType() string { return "widget" }
func (w *widget) EntityID() int64    { return w.id }

func (w *widget) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return entity.MethodSet{
		"Activate": func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			sess, err := memSession(ctx)
			if err != nil {
				return nil, err
			}
			if err := sess.Put(widgetKey(w.id)+":active", true); err != nil {
				return nil, err
			}
			return w.name, nil
		},
	}.Call(ctx, method, args, kwargs)
}

// Activate lets tests pass a method value to the builder. Workers reach the
// operation through Call.
func (w *widget) Activate() {}

func widgetKey(id int64) string {
	return fmt.Sprintf("widget:%d", id)
}

func memSession(ctx context.Context) (*txn.MemorySession, error) {
	sess, ok := txn.FromContext(ctx)
	if !ok {
		return nil, errors.New("no session")
	}
	ms, ok := sess.(*txn.MemorySession)
	if !ok {
		return nil, fmt.Errorf("unexpected session %T", sess)
	}
	return ms, nil
}

// widgetType wraps the defined type to count tenant initializations.
type widgetType struct {
	entity.Type
	inits atomic.Int32
}

func (t *widgetType) InitTenant(context.Context, string) error {
	t.inits.Add(1)
	return nil
}

// catalog lists the widget ids search scans.
var catalog = []int64{1, 2, 42}

func newWidgetType(h *harness) *widgetType {
	// Lookups read through a tenant cache, the way hosts keep hot records.
	lookup := func(ctx context.Context, id int64) (entity.Entity, error) {
		sess, err := memSession(ctx)
		if err != nil {
			return nil, err
		}
		if name, ok := h.names.Get(sess.TenantID(), id); ok {
			return &widget{id: id, name: name}, nil
		}
		v, ok, err := sess.Get(widgetKey(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: widget %d", entity.ErrNotFound, id)
		}
		h.names.Put(sess.TenantID(), id, v.(string))
		return &widget{id: id, name: v.(string)}, nil
	}

	methods := entity.MethodSet{
		"search": func(ctx context.Context, args []any, _ map[string]any) (any, error) {
			sess, err := memSession(ctx)
			if err != nil {
				return nil, err
			}
			if len(args) != 1 {
				return nil, fmt.Errorf("search takes a domain, got %d args", len(args))
			}
			found := []any{}
			for _, id := range catalog {
				if _, ok, _ := sess.Get(widgetKey(id)); ok {
					found = append(found, id)
				}
			}
			return found, nil
		},
		"lang": func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			sess, err := memSession(ctx)
			if err != nil {
				return nil, err
			}
			return sess.Context()["lang"], nil
		},
		"echo": func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
			return map[string]any{"args": args, "kwargs": kwargs}, nil
		},
		"touch_and_retry": func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			sess, err := memSession(ctx)
			if err != nil {
				return nil, err
			}
			if err := sess.Put("widget:touched", true); err != nil {
				return nil, err
			}
			return nil, deferred.RetryAfter(5 * time.Second)
		},
		"contended": func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			sess, err := memSession(ctx)
			if err != nil {
				return nil, err
			}
			if err := sess.Put("widget:contended", true); err != nil {
				return nil, err
			}
			if h.conflicts.Add(-1) >= 0 {
				return nil, txn.Conflict("update widget", errors.New("could not serialize access"))
			}
			return "done", nil
		},
		"bump": func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			sess, err := memSession(ctx)
			if err != nil {
				return nil, err
			}
			v, _, err := sess.Get("counter")
			if err != nil {
				return nil, err
			}
			if h.bumps.Add(1) == 1 {
				// Another writer commits between our read and our commit.
				h.store.Seed(tenantAcme, "counter", 100)
			}
			next := v.(int) + 1
			if err := sess.Put("counter", next); err != nil {
				return nil, err
			}
			return next, nil
		},
		"boom": func(context.Context, []any, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
		"explode": func(context.Context, []any, map[string]any) (any, error) {
			panic("kaboom")
		},
		"channel": func(context.Context, []any, map[string]any) (any, error) {
			return make(chan int), nil
		},
	}

	return &widgetType{Type: entity.Define("widget", lookup, methods)}
}

// harness wires the deferred stack to in-memory collaborators. The worker
// delivers tasks synchronously through ProcessNext.
type harness struct {
	store      *txn.MemoryStore
	entities   *entity.Registry
	widgets    *widgetType
	names      *cache.TenantCache[int64, string]
	storage    *queue.MemoryStorage
	worker     *queue.Worker
	builder    *deferred.Builder
	dispatcher *deferred.Dispatcher
	executor   *deferred.Executor

	conflicts atomic.Int32
	bumps     atomic.Int32
	cleans    atomic.Int32

	mu     sync.Mutex
	states []deferred.State
}

func newHarness(t *testing.T, configure ...func(*deferred.Config)) *harness {
	t.Helper()

	cfg := deferred.DefaultConfig()
	cfg.ResultPollInterval = 5 * time.Millisecond
	cfg.ConflictBackoff = 0
	for _, fn := range configure {
		fn(&cfg)
	}

	h := &harness{
		store:    txn.NewMemoryStore(),
		entities: entity.NewRegistry(),
		storage:  queue.NewMemoryStorage(),
		names:    cache.NewTenantCache[int64, string](cache.WithCapacity[int64, string](16)),
	}
	t.Cleanup(func() { _ = h.storage.Close() })

	h.widgets = newWidgetType(h)
	h.entities.MustRegister(h.widgets)

	h.store.Seed(tenantAcme, widgetKey(1), "sprocket")
	h.store.Seed(tenantAcme, widgetKey(42), "gizmo")
	h.store.Seed(tenantAcme, "counter", 0)

	var err error
	h.executor, err = deferred.NewExecutor(h.store, h.entities,
		deferred.WithConflictBackoff(cfg.ConflictBackoff),
		deferred.WithExecutorLogger(discard),
		deferred.WithCacheCleaners(
			deferred.CacheCleanerFunc(func(context.Context, string) error {
				h.cleans.Add(1)
				return nil
			}),
			h.names,
		),
		deferred.WithStateObserver(func(_ context.Context, _ deferred.Job, s deferred.State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		}),
	)
	require.NoError(t, err)

	h.worker, err = queue.NewWorker(h.storage,
		queue.WithRetryBackoff(queue.LinearBackoff(0)),
		queue.WithWorkerLogger(discard),
	)
	require.NoError(t, err)
	require.NoError(t, h.worker.RegisterHandler(h.executor.Handler()))

	enqueuer, err := queue.NewEnqueuer(h.storage)
	require.NoError(t, err)
	client, err := deferred.NewQueueClient(enqueuer, h.storage)
	require.NoError(t, err)

	h.builder, err = deferred.NewBuilder(h.entities, cfg, deferred.WithBuilderLogger(discard))
	require.NoError(t, err)
	h.dispatcher, err = deferred.NewDispatcher(h.builder, client, cfg, deferred.WithDispatcherLogger(discard))
	require.NoError(t, err)

	return h
}

// session returns a context carrying an open producer session.
func (h *harness) session(t *testing.T, ambient map[string]any) context.Context {
	t.Helper()

	sess, err := h.store.Open(context.Background(), txn.Options{
		TenantID: tenantAcme,
		UserID:   userAlice,
		Context:  ambient,
	})
	require.NoError(t, err)
	return txn.WithSession(context.Background(), sess)
}

// deliver runs one due task and reports whether there was one.
func (h *harness) deliver(t *testing.T) bool {
	t.Helper()

	processed, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	return processed
}

// drain delivers due tasks until none is left.
func (h *harness) drain(t *testing.T) {
	t.Helper()

	for range 50 {
		if !h.deliver(t) {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) recordedStates() []deferred.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]deferred.State(nil), h.states...)
}

func (h *harness) resetStates() {
	h.mu.Lock()
	h.states = nil
	h.mu.Unlock()
}
