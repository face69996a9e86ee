package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
	"github.com/praxisworks/gatewarden/internal/auth"
)

// TokenVerifier decodes and blacklist-checks a raw token. *auth.Minter
// implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, want auth.TokenKind) (*auth.Claims, error)
}

// RequireAuth validates the bearer access token and stashes its
// identity claims in the request context. Session tokens carry a user
// and maybe an org; OAuth tokens add client_id and scope, and under
// client_credentials carry no user at all.
func RequireAuth(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				helpers.RespondError(w, http.StatusUnauthorized, helpers.KindTokenInvalid, "authorization header required")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				helpers.RespondError(w, http.StatusUnauthorized, helpers.KindTokenInvalid, "authorization header must be a bearer token")
				return
			}

			claims, err := verifier.Verify(r.Context(), parts[1], auth.KindAccess)
			if err != nil {
				kind := helpers.KindTokenInvalid
				if errors.Is(err, auth.ErrRevokedToken) {
					kind = helpers.KindTokenRevoked
				}
				logger.Warn("bearer_rejected", "error", err, "ip", helpers.GetRealIP(r))
				helpers.RespondError(w, http.StatusUnauthorized, kind, "invalid or expired token")
				return
			}

			ctx := r.Context()
			if userID, err := claims.UserID(); err == nil {
				ctx = context.WithValue(ctx, UserIDKey, userID)
			}
			if claims.OrgID != nil {
				ctx = context.WithValue(ctx, OrgIDKey, *claims.OrgID)
			}
			if claims.ClientID != "" {
				ctx = context.WithValue(ctx, ClientIDKey, claims.ClientID)
			}
			if claims.Scope != "" {
				ctx = context.WithValue(ctx, ScopeKey, claims.Scope)
			}
			tagRequestIdentity(ctx, claims.Subject, claims.ClientID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
