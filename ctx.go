package didauth

import (
	"context"

	"github.com/goliatone/go-router"
)

// ClaimsLocalsKey is where the bearer middleware stores verified claims
const ClaimsLocalsKey = "didauth_claims"

var claimsCtxKey = &contextKey{"claims"}
var roleCtxKey = &contextKey{"role"}

type contextKey struct {
	name string
}

// WithClaimsContext sets the verified token claims in the given context
func WithClaimsContext(r context.Context, claims *JWTClaims) context.Context {
	return context.WithValue(r, claimsCtxKey, claims)
}

// ClaimsFromContext extracts the token claims from the standard context
func ClaimsFromContext(ctx context.Context) (*JWTClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(*JWTClaims)
	return raw, ok && raw != nil
}

// WithRoleContext sets the resolved caller role in the given context
func WithRoleContext(r context.Context, role Role) context.Context {
	return context.WithValue(r, roleCtxKey, role)
}

// RoleFromContext finds the resolved caller role
func RoleFromContext(ctx context.Context) (Role, bool) {
	raw, ok := ctx.Value(roleCtxKey).(Role)
	return raw, ok
}

// GetRouterClaims extracts the token claims from the router context
func GetRouterClaims(ctx router.Context) (*JWTClaims, bool) {
	raw := ctx.Locals(ClaimsLocalsKey)
	if raw == nil {
		return nil, false
	}
	claims, ok := raw.(*JWTClaims)
	return claims, ok && claims != nil
}
