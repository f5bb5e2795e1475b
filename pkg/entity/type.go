package entity

import (
	"context"
	"fmt"
)

// Invocable is anything a named method can be called on.
type Invocable interface {
	Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

// MethodFunc is a single callable operation.
type MethodFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// MethodSet maps method names to their implementation.
type MethodSet map[string]MethodFunc

// Call implements Invocable.
func (m MethodSet) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	fn, ok := m[method]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, method)
	}
	return fn(ctx, args, kwargs)
}

// Type is a registered entity type. Type-level methods (search, create, ...)
// are called on the Type itself, instance methods on what Lookup returns.
type Type interface {
	Invocable
	Name() string
	Lookup(ctx context.Context, id int64) (Entity, error)
}

// TenantInitializer is implemented by types that need one-time setup the first
// time a worker process touches a tenant.
type TenantInitializer interface {
	InitTenant(ctx context.Context, tenantID string) error
}

// LookupFunc fetches an entity by identity.
type LookupFunc func(ctx context.Context, id int64) (Entity, error)

type definedType struct {
	name    string
	lookup  LookupFunc
	methods MethodSet
}

// Define builds a Type from a lookup function and a set of type-level methods.
// A nil lookup makes every Lookup fail with ErrNotFound.
func Define(name string, lookup LookupFunc, methods MethodSet) Type {
	if methods == nil {
		methods = MethodSet{}
	}
	return &definedType{name: name, lookup: lookup, methods: methods}
}

func (t *definedType) Name() string { return t.name }

func (t *definedType) Lookup(ctx context.Context, id int64) (Entity, error) {
	if t.lookup == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, Ref{Type: t.name, ID: id})
	}
	return t.lookup(ctx, id)
}

func (t *definedType) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return t.methods.Call(ctx, method, args, kwargs)
}
