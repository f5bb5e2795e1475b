package deferred

import (
	"context"
	"fmt"
	"maps"

	"github.com/dmitrymomot/deferkit/pkg/codec"
	"github.com/dmitrymomot/deferkit/pkg/entity"
)

// Wire keys of an encoded payload.
const (
	keyEntityType     = "entity_type"
	keyEntityInstance = "entity_instance"
	keyMethodName     = "method_name"
	keyArgs           = "args"
	keyKwargs         = "kwargs"
	keyContext        = "context"
)

// Deferred is the result of Builder.Build: either a *Payload to be queued or an
// *ImmediateResult produced in synchronous mode.
type Deferred interface {
	deferred()
}

// Payload is a self-contained record of a deferred call.
// It is immutable once built.
type Payload struct {
	EntityType string
	// Instance, when set, is the target of the call. Only its reference is
	// ever serialized; the worker re-fetches it in its own session.
	Instance entity.Entity
	Method   string
	Args     []any
	Kwargs   map[string]any
	// Context is the ambient session context captured at build time.
	Context map[string]any
}

func (*Payload) deferred() {}

// Ref returns the instance reference, if the payload targets an instance.
func (p *Payload) Ref() (entity.Ref, bool) {
	if isNilEntity(p.Instance) {
		return entity.Ref{}, false
	}
	return entity.RefOf(p.Instance), true
}

func (p *Payload) tree() map[string]any {
	var instance any
	if !isNilEntity(p.Instance) {
		instance = p.Instance
	}
	return map[string]any{
		keyEntityType:     p.EntityType,
		keyEntityInstance: instance,
		keyMethodName:     p.Method,
		keyArgs:           p.Args,
		keyKwargs:         p.Kwargs,
		keyContext:        p.Context,
	}
}

// EncodePayload serializes p with the codecs of reg in wire format f.
func EncodePayload(reg *codec.Registry, f codec.Format, p *Payload) ([]byte, error) {
	return reg.Marshal(f, p.tree())
}

// DecodePayload parses data written by EncodePayload. Entity references are
// resolved through the entity.Resolver in ctx, so decoding inside a worker
// session yields instances read by that session.
func DecodePayload(ctx context.Context, reg *codec.Registry, f codec.Format, data []byte) (*Payload, error) {
	v, err := reg.Unmarshal(ctx, f, data)
	if err != nil {
		return nil, err
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T", ErrInvalidPayload, v)
	}

	p := &Payload{}
	if p.EntityType, err = field[string](m, keyEntityType, true); err != nil {
		return nil, err
	}
	if p.Method, err = field[string](m, keyMethodName, true); err != nil {
		return nil, err
	}
	if p.Args, err = field[[]any](m, keyArgs, false); err != nil {
		return nil, err
	}
	if p.Kwargs, err = field[map[string]any](m, keyKwargs, false); err != nil {
		return nil, err
	}
	if p.Context, err = field[map[string]any](m, keyContext, false); err != nil {
		return nil, err
	}

	switch inst := m[keyEntityInstance].(type) {
	case nil:
	case entity.Entity:
		p.Instance = inst
		// The instance decides the type, whatever the payload claims.
		p.EntityType = inst.EntityType()
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrInvalidPayload, keyEntityInstance, inst)
	}

	if p.Method == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrInvalidPayload, keyMethodName)
	}
	if p.Args == nil {
		p.Args = []any{}
	}
	if p.Kwargs == nil {
		p.Kwargs = map[string]any{}
	}
	if p.Context == nil {
		p.Context = map[string]any{}
	}
	return p, nil
}

func field[T any](m map[string]any, key string, required bool) (T, error) {
	var zero T
	raw, ok := m[key]
	if !ok || raw == nil {
		if required {
			return zero, fmt.Errorf("%w: missing %s", ErrInvalidPayload, key)
		}
		return zero, nil
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrInvalidPayload, key, raw)
	}
	return v, nil
}

func cloneContext(ctx map[string]any) map[string]any {
	out := maps.Clone(ctx)
	if out == nil {
		out = map[string]any{}
	}
	return out
}
