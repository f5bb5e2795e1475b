package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Resolver turns references into live entities.
type Resolver interface {
	Resolve(name string) (Type, error)
	Lookup(ctx context.Context, ref Ref) (Entity, error)
}

// Registry holds the entity types known to the process.
// Types are registered at startup; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Type)}
}

// Register adds a type. Registering the same name twice fails.
func (r *Registry) Register(t Type) error {
	if t == nil || t.Name() == "" {
		return ErrNilType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrTypeRegistered, t.Name())
	}
	r.types[t.Name()] = t
	return nil
}

// MustRegister registers types and panics on the first failure.
func (r *Registry) MustRegister(types ...Type) {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the type registered under name.
func (r *Registry) Resolve(name string) (Type, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotFound, name)
	}
	return t, nil
}

// Lookup fetches the entity a reference points to, using whatever session ctx carries.
func (r *Registry) Lookup(ctx context.Context, ref Ref) (Entity, error) {
	t, err := r.Resolve(ref.Type)
	if err != nil {
		return nil, err
	}
	return t.Lookup(ctx, ref.ID)
}

// Names returns registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls method on target, which must implement Invocable.
func (r *Registry) Invoke(ctx context.Context, target any, method string, args []any, kwargs map[string]any) (any, error) {
	inv, ok := target.(Invocable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotInvocable, target)
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return inv.Call(ctx, method, args, kwargs)
}

// InitTenant runs TenantInitializer hooks of every registered type, in name order.
func (r *Registry) InitTenant(ctx context.Context, tenantID string) error {
	for _, name := range r.Names() {
		t, err := r.Resolve(name)
		if err != nil {
			return err
		}
		initializer, ok := t.(TenantInitializer)
		if !ok {
			continue
		}
		if err := initializer.InitTenant(ctx, tenantID); err != nil {
			return fmt.Errorf("init %q for tenant %q: %w", name, tenantID, err)
		}
	}
	return nil
}
