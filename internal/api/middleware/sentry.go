package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// tagRequestIdentity attaches the authenticated principal to the
// request's Sentry scope so error reports name who hit the failure.
// No-op when the Sentry middleware is not installed.
func tagRequestIdentity(ctx context.Context, userID, clientID string) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		return
	}
	hub.ConfigureScope(func(scope *sentry.Scope) {
		if userID != "" {
			scope.SetUser(sentry.User{ID: userID})
		}
		if clientID != "" {
			scope.SetTag("oauth_client", clientID)
		}
	})
}
