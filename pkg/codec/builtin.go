package codec

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/deferkit/pkg/entity"
)

// Built-in tags. They are part of the wire contract.
const (
	TagDateTime = "datetime"
	TagDate     = "date"
	TagTime     = "time"
	TagDuration = "timedelta"
	TagBytes    = "bytes"
	TagDecimal  = "Decimal"
	TagModel    = "Model"
)

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in its own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Time is a time of day with microsecond precision and no date or zone.
type Time struct {
	Hour        int
	Minute      int
	Second      int
	Microsecond int
}

// TimeOf returns the time of day of t, truncated to microseconds.
func TimeOf(t time.Time) Time {
	return Time{
		Hour:        t.Hour(),
		Minute:      t.Minute(),
		Second:      t.Second(),
		Microsecond: t.Nanosecond() / 1000,
	}
}

func (t Time) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%06d", t.Hour, t.Minute, t.Second, t.Microsecond)
}

func registerBuiltins(r *Registry) {
	r.MustRegisterEncoder(reflect.TypeFor[time.Time](), encodeDateTime)
	r.MustRegisterDecoder(TagDateTime, decodeDateTime)

	r.MustRegisterEncoder(reflect.TypeFor[Date](), encodeDate)
	r.MustRegisterDecoder(TagDate, decodeDate)

	r.MustRegisterEncoder(reflect.TypeFor[Time](), encodeTime)
	r.MustRegisterDecoder(TagTime, decodeTime)

	r.MustRegisterEncoder(reflect.TypeFor[time.Duration](), encodeDuration)
	r.MustRegisterDecoder(TagDuration, decodeDuration)

	r.MustRegisterEncoder(reflect.TypeFor[[]byte](), encodeBytes)
	r.MustRegisterDecoder(TagBytes, decodeBytes)

	r.MustRegisterEncoder(reflect.TypeFor[decimal.Decimal](), encodeDecimal)
	r.MustRegisterDecoder(TagDecimal, decodeDecimal)

	r.MustRegisterEncoder(entityType, encodeModel)
	r.MustRegisterDecoder(TagModel, decodeModel)
}

// DateTime values are written as UTC wall clock time with microsecond
// precision and decoded in UTC. Nanoseconds below a microsecond are truncated.
func encodeDateTime(v any) (map[string]any, error) {
	t := v.(time.Time).UTC()
	return map[string]any{
		ClassKey:      TagDateTime,
		"year":        t.Year(),
		"month":       int(t.Month()),
		"day":         t.Day(),
		"hour":        t.Hour(),
		"minute":      t.Minute(),
		"second":      t.Second(),
		"microsecond": t.Nanosecond() / 1000,
	}, nil
}

func decodeDateTime(_ context.Context, m map[string]any) (any, error) {
	f, err := intFields(m, "year", "month", "day", "hour", "minute", "second", "microsecond")
	if err != nil {
		return nil, err
	}
	return time.Date(f[0], time.Month(f[1]), f[2], f[3], f[4], f[5], f[6]*1000, time.UTC), nil
}

func encodeDate(v any) (map[string]any, error) {
	d := v.(Date)
	return map[string]any{
		ClassKey: TagDate,
		"year":   d.Year,
		"month":  int(d.Month),
		"day":    d.Day,
	}, nil
}

func decodeDate(_ context.Context, m map[string]any) (any, error) {
	f, err := intFields(m, "year", "month", "day")
	if err != nil {
		return nil, err
	}
	return Date{Year: f[0], Month: time.Month(f[1]), Day: f[2]}, nil
}

func encodeTime(v any) (map[string]any, error) {
	t := v.(Time)
	return map[string]any{
		ClassKey:      TagTime,
		"hour":        t.Hour,
		"minute":      t.Minute,
		"second":      t.Second,
		"microsecond": t.Microsecond,
	}, nil
}

func decodeTime(_ context.Context, m map[string]any) (any, error) {
	f, err := intFields(m, "hour", "minute", "second", "microsecond")
	if err != nil {
		return nil, err
	}
	return Time{Hour: f[0], Minute: f[1], Second: f[2], Microsecond: f[3]}, nil
}

// Durations travel as total seconds and are restored to the nearest nanosecond.
func encodeDuration(v any) (map[string]any, error) {
	return map[string]any{
		ClassKey:  TagDuration,
		"seconds": v.(time.Duration).Seconds(),
	}, nil
}

func decodeDuration(_ context.Context, m map[string]any) (any, error) {
	secs, err := floatField(m, "seconds")
	if err != nil {
		return nil, err
	}
	ns := math.Round(secs * 1e9)
	if math.IsNaN(ns) || ns >= math.MaxInt64 || ns < math.MinInt64 {
		return nil, fmt.Errorf("field %q: %v seconds is out of range", "seconds", secs)
	}
	return time.Duration(ns), nil
}

func encodeBytes(v any) (map[string]any, error) {
	return map[string]any{
		ClassKey: TagBytes,
		"base64": base64.StdEncoding.EncodeToString(v.([]byte)),
	}, nil
}

func decodeBytes(_ context.Context, m map[string]any) (any, error) {
	s, err := stringField(m, "base64")
	if err != nil {
		return nil, err
	}
	// Some producers wrap base64 output at 76 columns.
	s = strings.Join(strings.Fields(s), "")
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decimals are written as exact text, keeping trailing zeros of the scale.
func encodeDecimal(v any) (map[string]any, error) {
	d := v.(decimal.Decimal)
	text := d.String()
	if exp := d.Exponent(); exp < 0 {
		text = d.StringFixed(-exp)
	}
	return map[string]any{
		ClassKey:  TagDecimal,
		"decimal": text,
	}, nil
}

func decodeDecimal(_ context.Context, m map[string]any) (any, error) {
	s, err := stringField(m, "decimal")
	if err != nil {
		return nil, err
	}
	return decimal.NewFromString(s)
}

func encodeModel(v any) (map[string]any, error) {
	return map[string]any{
		ClassKey: TagModel,
		"repr":   entity.RefOf(v.(entity.Entity)).String(),
	}, nil
}

func decodeModel(ctx context.Context, m map[string]any) (any, error) {
	s, err := stringField(m, "repr")
	if err != nil {
		return nil, err
	}
	ref, err := entity.ParseRef(s)
	if err != nil {
		return nil, err
	}
	resolver, ok := entity.ResolverFromContext(ctx)
	if !ok {
		return ref, nil
	}
	return resolver.Lookup(ctx, ref)
}

var errMissingField = errors.New("missing field")

func intFields(m map[string]any, keys ...string) ([]int, error) {
	out := make([]int, len(keys))
	for i, k := range keys {
		v, ok := m[k]
		if !ok {
			return nil, fmt.Errorf("%w %q", errMissingField, k)
		}
		switch n := v.(type) {
		case int64:
			out[i] = int(n)
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("field %q: %v is not an integer", k, n)
			}
			out[i] = int(n)
		default:
			return nil, fmt.Errorf("field %q: unexpected type %T", k, v)
		}
	}
	return out, nil
}

func floatField(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w %q", errMissingField, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("field %q: unexpected type %T", key, v)
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w %q", errMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q: unexpected type %T", key, v)
	}
	return s, nil
}
