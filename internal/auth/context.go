// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	Role    string // RoleAgent, RoleAdmin, or "anonymous" when auth is disabled
}

// Anonymous is injected when authentication is disabled. It may act as any agent.
var Anonymous = &AuthContext{Subject: "anonymous", Role: "anonymous"}

// IsAdmin returns true for operator tokens and for the anonymous identity.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == RoleAdmin || a == Anonymous
}

// MayActAs reports whether the caller may register as the given agent.
func (a *AuthContext) MayActAs(agentID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.Role == RoleAgent && a.Subject == agentID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
