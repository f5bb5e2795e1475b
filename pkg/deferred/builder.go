package deferred

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"github.com/dmitrymomot/deferkit/pkg/entity"
	"github.com/dmitrymomot/deferkit/pkg/logger"
	"github.com/dmitrymomot/deferkit/pkg/txn"
)

// MethodNamer is implemented by method descriptors that know their name.
type MethodNamer interface {
	MethodName() string
}

// Call describes an operation to run later.
type Call struct {
	// Method is the operation: a name, a MethodNamer, or a Go func or method
	// value whose symbol name is used ("(*Widget).Activate" becomes "Activate").
	Method any
	// EntityType is a type name or an entity.Type. Ignored when Instance is set.
	EntityType any
	// Instance makes the call target a single entity. A nil pointer counts as
	// no instance.
	Instance entity.Entity
	Args     []any
	Kwargs   map[string]any
}

// Builder turns calls into payloads.
type Builder struct {
	entities *entity.Registry
	disabled bool
	logger   *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the builder's logger.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder. cfg.Disabled is captured here and never read
// again, so the mode is fixed for the Builder's lifetime.
func NewBuilder(entities *entity.Registry, cfg Config, opts ...BuilderOption) (*Builder, error) {
	if entities == nil {
		return nil, ErrRegistryNil
	}

	b := &Builder{
		entities: entities,
		disabled: cfg.Disabled,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Synchronous reports whether Build runs calls immediately.
func (b *Builder) Synchronous() bool {
	return b.disabled
}

// Build resolves call into a *Payload. In synchronous mode it performs the
// call right away and returns an *ImmediateResult instead; an error returned
// by the operation is then returned by Build.
//
// The ambient context of the session in ctx, if any, is copied into the
// payload.
func (b *Builder) Build(ctx context.Context, call Call) (Deferred, error) {
	if isNilEntity(call.Instance) {
		call.Instance = nil
	}

	method, err := methodName(call.Method)
	if err != nil {
		return nil, err
	}

	typeName, err := entityTypeName(call)
	if err != nil {
		return nil, err
	}

	args := call.Args
	if args == nil {
		args = []any{}
	}
	kwargs := call.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	if b.disabled {
		value, err := b.invokeNow(ctx, typeName, call.Instance, method, args, kwargs)
		if err != nil {
			return nil, err
		}
		return newImmediateResult(value), nil
	}

	var ambient map[string]any
	if sess, ok := txn.FromContext(ctx); ok {
		ambient = sess.Context()
	}

	p := &Payload{
		EntityType: typeName,
		Instance:   call.Instance,
		Method:     method,
		Args:       args,
		Kwargs:     kwargs,
		Context:    cloneContext(ambient),
	}

	b.logger.DebugContext(ctx, "deferred call built",
		logger.EntityType(typeName),
		logger.Method(method))

	return p, nil
}

func (b *Builder) invokeNow(ctx context.Context, typeName string, instance entity.Entity, method string, args []any, kwargs map[string]any) (any, error) {
	if instance != nil {
		target := any(instance)
		if _, ok := instance.(entity.Invocable); !ok {
			live, err := b.entities.Lookup(ctx, entity.RefOf(instance))
			if err != nil {
				return nil, err
			}
			target = live
		}
		return b.entities.Invoke(ctx, target, method, args, kwargs)
	}

	typ, err := b.entities.Resolve(typeName)
	if err != nil {
		return nil, err
	}
	return b.entities.Invoke(ctx, typ, method, args, kwargs)
}

// isNilEntity reports whether e is nil or holds a nil pointer.
func isNilEntity(e entity.Entity) bool {
	if e == nil {
		return true
	}
	rv := reflect.ValueOf(e)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func entityTypeName(call Call) (string, error) {
	if call.Instance != nil {
		return call.Instance.EntityType(), nil
	}

	switch t := call.EntityType.(type) {
	case string:
		if t != "" {
			return t, nil
		}
	case entity.Type:
		if t != nil && t.Name() != "" {
			return t.Name(), nil
		}
	}
	return "", ErrEntityTypeRequired
}

// Anonymous functions end in "func1", nested ones in a bare number.
var closureName = regexp.MustCompile(`^(func)?\d+$`)

func methodName(m any) (string, error) {
	switch v := m.(type) {
	case nil:
		return "", ErrMethodRequired
	case string:
		if v == "" {
			return "", ErrMethodRequired
		}
		return v, nil
	case MethodNamer:
		if name := v.MethodName(); name != "" {
			return name, nil
		}
		return "", ErrMethodRequired
	}

	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return "", fmt.Errorf("%w: unsupported method reference %T", ErrMethodRequired, m)
	}

	fn := runtime.FuncForPC(rv.Pointer())
	if fn == nil {
		return "", fmt.Errorf("%w: unknown function", ErrMethodRequired)
	}
	return symbolMethodName(fn.Name())
}

// symbolMethodName extracts the method from a runtime symbol such as
// "example.com/app.(*Widget).Activate-fm".
func symbolMethodName(symbol string) (string, error) {
	name := strings.TrimSuffix(symbol, "-fm")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || closureName.MatchString(name) {
		return "", fmt.Errorf("%w: cannot name %q", ErrMethodRequired, symbol)
	}
	return name, nil
}
