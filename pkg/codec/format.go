package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Format serializes a structural form produced by Registry.Encode to bytes.
type Format interface {
	// Name is the codec name, e.g. "deferjson".
	Name() string
	// ContentType is the wire tag, "application/x-<name>".
	ContentType() string
	Marshal(tree any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// Codec names of the provided formats.
const (
	JSONName    = "deferjson"
	MsgpackName = "defermsgpack"
)

// ContentTypeFor returns the content type registered for a codec name.
func ContentTypeFor(name string) string {
	return "application/x-" + name
}

// JSONFormat writes compact JSON with sorted object keys, so equal payloads
// always produce identical bytes. Floats always carry a fraction or an
// exponent, so 1.0 is written as 1.0 and reads back as a float.
type JSONFormat struct{}

func (JSONFormat) Name() string        { return JSONName }
func (JSONFormat) ContentType() string { return ContentTypeFor(JSONName) }

func (JSONFormat) Marshal(tree any) ([]byte, error) {
	return json.Marshal(floatNumbers(tree))
}

// floatNumbers copies tree with every finite float64 replaced by its JSON text.
func floatNumbers(tree any) any {
	switch x := tree.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return x
		}
		return json.Number(formatFloat(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = floatNumbers(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = floatNumbers(v)
		}
		return out
	}
	return tree
}

// formatFloat uses the notation encoding/json picks for floats and appends
// ".0" when the result would otherwise read as an integer.
func formatFloat(f float64) string {
	format := byte('f')
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func (JSONFormat) Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// MsgpackFormat writes MessagePack with sorted map keys.
type MsgpackFormat struct{}

func (MsgpackFormat) Name() string        { return MsgpackName }
func (MsgpackFormat) ContentType() string { return ContentTypeFor(MsgpackName) }

func (MsgpackFormat) Marshal(tree any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackFormat) Unmarshal(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Formats indexes wire formats by content type.
type Formats struct {
	mu     sync.RWMutex
	byType map[string]Format
}

// NewFormats creates a set holding the given formats.
func NewFormats(formats ...Format) (*Formats, error) {
	fs := &Formats{byType: make(map[string]Format, len(formats))}
	for _, f := range formats {
		if err := fs.Register(f); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// DefaultFormats returns a set with JSONFormat and MsgpackFormat.
func DefaultFormats() *Formats {
	fs, err := NewFormats(JSONFormat{}, MsgpackFormat{})
	if err != nil {
		panic(err)
	}
	return fs
}

// Register adds f. A content type can only be registered once.
func (fs *Formats) Register(f Format) error {
	if f == nil {
		return ErrFormatNil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	ct := f.ContentType()
	if _, exists := fs.byType[ct]; exists {
		return fmt.Errorf("%w: %q", ErrFormatRegistered, ct)
	}
	fs.byType[ct] = f
	return nil
}

// Get returns the format registered for contentType.
func (fs *Formats) Get(contentType string) (Format, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	f, ok := fs.byType[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return f, nil
}

// ContentTypes lists the registered content types.
func (fs *Formats) ContentTypes() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]string, 0, len(fs.byType))
	for ct := range fs.byType {
		out = append(out, ct)
	}
	return out
}
