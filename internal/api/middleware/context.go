package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// contextKey is a private type for request-scoped keys so no other
// package can collide with them.
type contextKey string

// Context keys set by RequireAuth.
const (
	UserIDKey   contextKey = "user_id"
	OrgIDKey    contextKey = "org_id"
	ClientIDKey contextKey = "client_id"
	ScopeKey    contextKey = "scope"
)

// GetUserID extracts the authenticated user id. It errors for
// unauthenticated requests and for client-credentials tokens, which
// carry no user.
func GetUserID(ctx context.Context) (uuid.UUID, error) {
	val := ctx.Value(UserIDKey)
	if val == nil {
		return uuid.Nil, fmt.Errorf("user_id not found in context")
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("user_id has wrong type: %T", val)
	}
	return id, nil
}

// GetOrgID extracts the organization the token was minted for. Users
// outside any organization authenticate with no org claim, so a nil
// return with no error is a valid state.
func GetOrgID(ctx context.Context) (*uuid.UUID, error) {
	val := ctx.Value(OrgIDKey)
	if val == nil {
		return nil, nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("org_id has wrong type: %T", val)
	}
	return &id, nil
}

// GetClientID extracts the OAuth client id. Empty for session tokens.
func GetClientID(ctx context.Context) string {
	if v, ok := ctx.Value(ClientIDKey).(string); ok {
		return v
	}
	return ""
}

// GetScope extracts the granted scope string. Empty for session tokens,
// which are not scoped.
func GetScope(ctx context.Context) string {
	if v, ok := ctx.Value(ScopeKey).(string); ok {
		return v
	}
	return ""
}
