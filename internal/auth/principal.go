// Package auth carries the requesting principal. Identity is established by an
// upstream identity provider and trusted verbatim.
package auth

import (
	"context"
	"strings"
)

// Principal is who is asking, and for which tenant.
type Principal struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role,omitempty"`
}

// Valid reports whether the principal carries a tenant and a user.
func (p Principal) Valid() bool {
	return strings.TrimSpace(p.TenantID) != "" && strings.TrimSpace(p.UserID) != ""
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
