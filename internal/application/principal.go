package application

import "context"

const RoleAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

func (p Principal) Authenticated() bool { return p.Subject != "" }

func (p Principal) IsAdmin() bool { return p.Authenticated() && p.Role == RoleAdmin }

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by the auth middleware, or the zero Principal.
func PrincipalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}
