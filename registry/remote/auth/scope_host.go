package auth

import "context"

// hostScopesContextKey is the context key for per-host scopes.
type hostScopesContextKey struct{}

// WithScopesForHost returns a context with scopes added for a given host.
// Scopes for other hosts previously set on the context, as well as any
// global scopes set via WithScopes, are left untouched. Scopes are
// de-duplicated. Passing an empty list of scopes clears the scope hints
// for that host.
func WithScopesForHost(ctx context.Context, host string, scopes ...string) context.Context {
	hostScopes, _ := ctx.Value(hostScopesContextKey{}).(map[string][]string)
	newHostScopes := make(map[string][]string, len(hostScopes)+1)
	for h, s := range hostScopes {
		newHostScopes[h] = s
	}
	newHostScopes[host] = CleanScopes(scopes)
	return context.WithValue(ctx, hostScopesContextKey{}, newHostScopes)
}

// AppendScopesForHost appends additional scopes to the existing scopes for
// the given host in the context and returns a new context. The resulting
// scopes are de-duplicated.
func AppendScopesForHost(ctx context.Context, host string, scopes ...string) context.Context {
	if len(scopes) == 0 {
		return ctx
	}
	return WithScopesForHost(ctx, host, append(GetScopesForHost(ctx, host), scopes...)...)
}

// GetScopesForHost returns the scopes for the given host set in the context
// via WithScopesForHost / AppendScopesForHost. It does not include any
// global scopes set via WithScopes.
func GetScopesForHost(ctx context.Context, host string) []string {
	hostScopes, ok := ctx.Value(hostScopesContextKey{}).(map[string][]string)
	if !ok {
		return nil
	}
	scopes := hostScopes[host]
	if len(scopes) == 0 {
		return nil
	}
	return append([]string{}, scopes...)
}

// GetAllScopesForHost returns the merged, de-duplicated scopes for the given
// host: the per-host scopes set via WithScopesForHost combined with the
// global scopes set via WithScopes.
func GetAllScopesForHost(ctx context.Context, host string) []string {
	return CleanScopes(append(GetScopesForHost(ctx, host), GetScopes(ctx)...))
}
