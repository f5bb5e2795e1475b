package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dmitrymomot/deferkit/pkg/entity"
)

// ClassKey is the field carrying the type tag in every tagged structure.
const ClassKey = "__class__"

type (
	// EncoderFunc turns a value into its tagged structure, including ClassKey.
	EncoderFunc func(v any) (map[string]any, error)

	// DecoderFunc reconstructs a value from a tagged structure.
	// Field values have already been decoded.
	DecoderFunc func(ctx context.Context, fields map[string]any) (any, error)
)

var entityType = reflect.TypeFor[entity.Entity]()

// Registry maps runtime types to encoders and tags to decoders.
type Registry struct {
	mu       sync.RWMutex
	encoders map[reflect.Type]EncoderFunc
	decoders map[string]DecoderFunc
	frozen   atomic.Bool
}

// NewRegistry returns a registry preloaded with the built-in codecs.
func NewRegistry() *Registry {
	r := newEmptyRegistry()
	registerBuiltins(r)
	return r
}

func newEmptyRegistry() *Registry {
	return &Registry{
		encoders: make(map[reflect.Type]EncoderFunc),
		decoders: make(map[string]DecoderFunc),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// RegisterEncoder registers fn for values whose dynamic type is exactly t.
func (r *Registry) RegisterEncoder(t reflect.Type, fn EncoderFunc) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if t == nil || fn == nil {
		return fmt.Errorf("%w: nil type or encoder", ErrUnsupportedType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.encoders[t]; exists {
		return fmt.Errorf("%w: %s", ErrEncoderRegistered, t)
	}
	r.encoders[t] = fn
	return nil
}

// RegisterDecoder registers fn for structures tagged with tag.
func (r *Registry) RegisterDecoder(tag string, fn DecoderFunc) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if tag == "" || fn == nil {
		return fmt.Errorf("%w: empty tag or nil decoder", ErrDecode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDecoderRegistered, tag)
	}
	r.decoders[tag] = fn
	return nil
}

// MustRegisterEncoder panics if the encoder cannot be registered.
func (r *Registry) MustRegisterEncoder(t reflect.Type, fn EncoderFunc) {
	if err := r.RegisterEncoder(t, fn); err != nil {
		panic(err)
	}
}

// MustRegisterDecoder panics if the decoder cannot be registered.
func (r *Registry) MustRegisterDecoder(tag string, fn DecoderFunc) {
	if err := r.RegisterDecoder(tag, fn); err != nil {
		panic(err)
	}
}

// Freeze ends the registration window. The registry is read-only afterwards.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

func (r *Registry) encoder(t reflect.Type) (EncoderFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.encoders[t]
	return fn, ok
}

func (r *Registry) decoder(tag string) (DecoderFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.decoders[tag]
	return fn, ok
}

// Encode converts v into its structural form made of nil, bool, int64, uint64,
// float64, string, []any and map[string]any.
func (r *Registry) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}

	// Entities are always carried by reference, whatever their concrete type.
	if e, ok := v.(entity.Entity); ok {
		fn, ok := r.encoder(entityType)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
		}
		return r.encodeTagged(fn, e)
	}

	if fn, ok := r.encoder(reflect.TypeOf(v)); ok {
		return r.encodeTagged(fn, v)
	}

	switch x := v.(type) {
	case bool, string, int64, uint64, float64:
		return x, nil
	case json.Number:
		return x, nil
	case []any:
		return r.encodeSlice(reflect.ValueOf(x))
	case map[string]any:
		return r.encodeMap(reflect.ValueOf(x))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice, reflect.Array:
		return r.encodeSlice(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return r.encodeMap(rv)
		}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return r.Encode(rv.Elem().Interface())
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func (r *Registry) encodeTagged(fn EncoderFunc, v any) (any, error) {
	fields, err := fn(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	if _, ok := fields[ClassKey].(string); !ok {
		return nil, fmt.Errorf("%w: encoder for %T produced no %s tag", ErrUnsupportedType, v, ClassKey)
	}
	out := make(map[string]any, len(fields))
	for k, fv := range fields {
		enc, err := r.Encode(fv)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

func (r *Registry) encodeSlice(rv reflect.Value) (any, error) {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return []any{}, nil
	}
	out := make([]any, rv.Len())
	for i := range rv.Len() {
		enc, err := r.Encode(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func (r *Registry) encodeMap(rv reflect.Value) (any, error) {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		enc, err := r.Encode(iter.Value().Interface())
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = enc
	}
	return out, nil
}

// Decode reconstructs values from a structural form. Tagged maps are handed to
// their decoder after their fields are decoded; all other maps pass through.
// The input is never modified.
func (r *Registry) Decode(ctx context.Context, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, fv := range x {
			dec, err := r.Decode(ctx, fv)
			if err != nil {
				return nil, err
			}
			m[k] = dec
		}
		tag, ok := m[ClassKey].(string)
		if !ok {
			return m, nil
		}
		fn, ok := r.decoder(tag)
		if !ok {
			return m, nil
		}
		out, err := fn(ctx, m)
		if err != nil {
			return nil, &DecodeError{Tag: tag, Err: err}
		}
		return out, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, fv := range x {
			m[fmt.Sprint(k)] = fv
		}
		return r.Decode(ctx, m)
	case []any:
		out := make([]any, len(x))
		for i, ev := range x {
			dec, err := r.Decode(ctx, ev)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return normalizeNumber(x), nil
	}
}

// normalizeNumber collapses the numeric types produced by wire formats into
// int64, uint64 or float64. A JSON number with a fraction or exponent is a float
// even when its value is whole.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case json.Number:
		s := n.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
			if u, err := strconv.ParseUint(s, 10, 64); err == nil {
				return u
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return uintToNumber(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return uintToNumber(n)
	case float32:
		return float64(n)
	}
	return v
}

func uintToNumber(n uint64) any {
	if n <= 1<<63-1 {
		return int64(n)
	}
	return n
}

// Marshal encodes v and serializes it with f.
func (r *Registry) Marshal(f Format, v any) ([]byte, error) {
	tree, err := r.Encode(v)
	if err != nil {
		return nil, err
	}
	return f.Marshal(tree)
}

// Unmarshal parses data with f and decodes the result.
func (r *Registry) Unmarshal(ctx context.Context, f Format, data []byte) (any, error) {
	tree, err := f.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return r.Decode(ctx, tree)
}
