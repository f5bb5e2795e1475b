package txn

import (
	"context"
	"log/slog"
)

type sessionKey struct{}

// WithSession attaches the active session to ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the active session, if any.
func FromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok && s != nil
}

// LoggerExtractor returns a logger context extractor adding the tenant and user
// of the active session.
func LoggerExtractor() func(ctx context.Context) (slog.Attr, bool) {
	return func(ctx context.Context) (slog.Attr, bool) {
		s, ok := FromContext(ctx)
		if !ok {
			return slog.Attr{}, false
		}
		return slog.Group("session",
			slog.String("tenant_id", s.TenantID()),
			slog.String("user_id", s.UserID()),
		), true
	}
}
