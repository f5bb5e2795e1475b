package txn

import (
	"context"
	"maps"
)

// Options selects the tenant and acting user of a new session.
type Options struct {
	TenantID string
	UserID   string
	ReadOnly bool
	// Context is the initial ambient context frame.
	Context map[string]any
}

// Session is a single transaction bound to one tenant and one acting user.
// Sessions are never shared between concurrently executing tasks.
type Session interface {
	TenantID() string
	UserID() string
	ReadOnly() bool

	// Context returns a copy of the current ambient context.
	Context() map[string]any
	// PushContext layers values over the current ambient context.
	PushContext(values map[string]any)
	// PopContext restores the ambient context active before the last push.
	PopContext()

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Opener starts sessions.
type Opener interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, opts Options) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, opts Options) (Session, error) {
	return f(ctx, opts)
}

// ContextStack implements the ambient context part of Session. Each pushed frame
// is merged over the previous one, so the base frame is never mutated.
type ContextStack struct {
	frames []map[string]any
}

// NewContextStack creates a stack whose bottom frame is a copy of base.
func NewContextStack(base map[string]any) ContextStack {
	frame := maps.Clone(base)
	if frame == nil {
		frame = map[string]any{}
	}
	return ContextStack{frames: []map[string]any{frame}}
}

func (s *ContextStack) top() map[string]any {
	if len(s.frames) == 0 {
		s.frames = []map[string]any{{}}
	}
	return s.frames[len(s.frames)-1]
}

func (s *ContextStack) Context() map[string]any {
	return maps.Clone(s.top())
}

func (s *ContextStack) PushContext(values map[string]any) {
	frame := maps.Clone(s.top())
	maps.Copy(frame, values)
	s.frames = append(s.frames, frame)
}

// PopContext never removes the bottom frame.
func (s *ContextStack) PopContext() {
	if len(s.frames) > 1 {
		s.frames = s.frames[:len(s.frames)-1]
	}
}
