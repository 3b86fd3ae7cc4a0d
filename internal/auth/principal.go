package auth

import "context"

// Principal is the caller on whose behalf a request runs.
type Principal struct {
	Username string
	Admin    bool
}

// Anonymous reports whether no identity was presented.
func (p Principal) Anonymous() bool {
	return p.Username == "" && !p.Admin
}

// Is reports whether the principal acts as handle.
func (p Principal) Is(handle string) bool {
	return p.Username != "" && p.Username == handle
}

// CanActFor allows the account owner or an admin.
func (p Principal) CanActFor(handle string) bool {
	return p.Admin || p.Is(handle)
}

type principalKey struct{}

// WithPrincipal stores p on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored on ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
