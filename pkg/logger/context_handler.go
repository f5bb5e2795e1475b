package logger

import (
	"context"
	"log/slog"
)

// ContextExtractor derives an attribute from the context a record is logged
// with. It reports false when the context carries nothing of interest.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

// contextHandler appends extracted attributes to each record before handing
// it to next. Extraction runs per record: a worker logs through one logger
// while the session in ctx changes from task to task.
type contextHandler struct {
	next       slog.Handler
	extractors []ContextExtractor
}

// NewContextHandler wraps next with extractors. Nil extractors are dropped and
// next is returned unwrapped when none remain.
func NewContextHandler(next slog.Handler, extractors ...ContextExtractor) slog.Handler {
	var kept []ContextExtractor
	for _, ex := range extractors {
		if ex != nil {
			kept = append(kept, ex)
		}
	}
	if len(kept) == 0 {
		return next
	}
	return &contextHandler{next: next, extractors: kept}
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if ctx != nil {
		rec = rec.Clone()
		for _, ex := range h.extractors {
			if attr, ok := ex(ctx); ok {
				rec.AddAttrs(attr)
			}
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.next.WithAttrs(attrs))
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return h.derive(h.next.WithGroup(name))
}

func (h *contextHandler) derive(next slog.Handler) slog.Handler {
	return &contextHandler{next: next, extractors: h.extractors}
}
