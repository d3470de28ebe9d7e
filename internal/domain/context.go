package domain

import "context"

type scopeCtxKey struct{}

// ContextWithScope returns a context carrying the session scope of the
// current invocation.
func ContextWithScope(ctx context.Context, scope SessionScope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, scope)
}

// ScopeFromContext returns the session scope set by ContextWithScope.
func ScopeFromContext(ctx context.Context) (SessionScope, bool) {
	scope, ok := ctx.Value(scopeCtxKey{}).(SessionScope)
	return scope, ok
}
