package auth

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const claimsKey ctxKey = iota

// Claims is the verified identity of a caller.
type Claims struct {
	UserID uuid.UUID
	Email  string
	Role   string
}

// IsAdmin reports whether the caller holds the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Actor names the caller in audit entries.
func (c *Claims) Actor() string {
	if c == nil {
		return "anonymous"
	}
	if c.Email != "" {
		return c.Email
	}
	return c.UserID.String()
}

// WithClaims stores claims in a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns claims from a context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok && claims != nil
}
