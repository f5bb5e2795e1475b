package entity

import "context"

type resolverKey struct{}

// WithResolver attaches a resolver so that decoded references can be re-fetched.
func WithResolver(ctx context.Context, r Resolver) context.Context {
	return context.WithValue(ctx, resolverKey{}, r)
}

// ResolverFromContext returns the resolver attached with WithResolver.
func ResolverFromContext(ctx context.Context) (Resolver, bool) {
	if ctx == nil {
		return nil, false
	}
	r, ok := ctx.Value(resolverKey{}).(Resolver)
	return r, ok && r != nil
}
