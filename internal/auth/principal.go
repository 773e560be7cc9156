// Package auth implements controller authentication and the explicit
// security-context passing used across the handling pipeline. There is no
// ambient security state: a principal travels inside the context of one
// delivery and is gone when handling returns.
package auth

import "context"

// Principal identifies the authenticated caller of one delivery.
type Principal struct {
	Tenant       string
	ControllerID string
	// System marks a tenant-elevated principal used for privileged lookups.
	System bool
}

type principalKey struct{}

// WithPrincipal returns a context carrying the principal for the current
// delivery.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext extracts the principal attached to the current delivery.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// IsSystem reports whether the context carries a system principal.
func IsSystem(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	return ok && p.System
}

// RunAsSystem executes fn with a tenant-elevated principal. The elevation is
// scoped to the derived context handed to fn; the caller's context keeps its
// prior principal on every exit path, including errors.
func RunAsSystem[T any](ctx context.Context, tenant string, fn func(ctx context.Context) (T, error)) (T, error) {
	elevated := WithPrincipal(ctx, Principal{Tenant: tenant, System: true})
	return fn(elevated)
}
