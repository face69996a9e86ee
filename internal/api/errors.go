package api

import (
	"errors"
	"net/http"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/authz"
	"github.com/praxisworks/gatewarden/internal/oauth"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// respondServiceError maps domain sentinels onto the wire vocabulary.
// Anything unmapped is an infrastructure fault: logged in full, served
// as a generic 503 so internals never leak.
//
// storage.ErrNotFound deliberately reads as permission_denied. Resource
// ids are UUIDs scoped to organizations; a 404 would tell a prober
// which ids exist.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		helpers.RespondError(w, http.StatusUnauthorized, helpers.KindInvalidCredentials, "invalid credentials")
	case errors.Is(err, auth.ErrAccountNotVerified):
		helpers.RespondError(w, http.StatusForbidden, helpers.KindAccountNotVerified, "verify your email address first")
	case errors.Is(err, auth.ErrAccountInactive):
		helpers.RespondError(w, http.StatusForbidden, helpers.KindAccountInactive, "account is deactivated")
	case errors.Is(err, auth.ErrTooManyAttempts):
		helpers.RespondError(w, http.StatusTooManyRequests, helpers.KindRateLimited, "too many attempts, try again later")
	case errors.Is(err, auth.ErrReplayDetected):
		helpers.RespondError(w, http.StatusUnauthorized, helpers.KindReplayDetected, "token reuse detected, all sessions have been revoked")
	case errors.Is(err, auth.ErrRevokedToken):
		helpers.RespondError(w, http.StatusUnauthorized, helpers.KindTokenRevoked, "token has been revoked")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		helpers.RespondError(w, http.StatusUnauthorized, helpers.KindTokenInvalid, "invalid or expired token")
	case errors.Is(err, auth.ErrInvalidVerification):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindTokenInvalid, "invalid or expired verification")
	case errors.Is(err, auth.ErrInvalidReset):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindTokenInvalid, "invalid or expired reset")
	case errors.Is(err, auth.ErrInvalidTOTPCode):
		helpers.RespondError(w, http.StatusUnauthorized, helpers.KindInvalidCredentials, "invalid code")
	case errors.Is(err, auth.ErrPasswordTooLong):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, "password exceeds maximum length")
	case errors.Is(err, auth.ErrWeakPassword):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, "password is too weak")
	case errors.Is(err, auth.ErrBreachedPassword):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, "password appears in a known breach, choose another")
	case errors.Is(err, auth.ErrTwoFactorEnabled),
		errors.Is(err, auth.ErrTwoFactorNotEnabled),
		errors.Is(err, auth.ErrSetupNotPending):
		helpers.RespondError(w, http.StatusConflict, helpers.KindConflict, err.Error())

	case errors.Is(err, authz.ErrForbidden), errors.Is(err, storage.ErrNotFound):
		helpers.RespondError(w, http.StatusForbidden, helpers.KindPermissionDenied, "permission denied")
	case errors.Is(err, storage.ErrNotMember):
		helpers.RespondError(w, http.StatusForbidden, helpers.KindNotMember, "not a member of this organization")
	case errors.Is(err, storage.ErrLastOwner):
		helpers.RespondError(w, http.StatusConflict, helpers.KindConflict, "organization needs an owner")
	case errors.Is(err, storage.ErrDuplicate):
		helpers.RespondError(w, http.StatusConflict, helpers.KindConflict, "already exists")
	case errors.Is(err, authz.ErrInvalidRole),
		errors.Is(err, authz.ErrInvalidSlug),
		errors.Is(err, authz.ErrInvalidName),
		errors.Is(err, authz.ErrInvalidPermission):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())

	case errors.Is(err, oauth.ErrInvalidClientID),
		errors.Is(err, oauth.ErrInvalidClientName),
		errors.Is(err, oauth.ErrInvalidClientType),
		errors.Is(err, oauth.ErrInvalidRedirectURI),
		errors.Is(err, oauth.ErrInvalidScopeToken),
		errors.Is(err, oauth.ErrInvalidGrantType):
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())

	default:
		s.logger.Error("request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
		helpers.RespondError(w, http.StatusServiceUnavailable, helpers.KindDependencyUnavailable, "service temporarily unavailable")
	}
}

// respondOAuthError serializes protocol errors in the RFC 6749 wire
// shape. Failed client authentication additionally carries the
// WWW-Authenticate challenge §5.2 requires.
func (s *Server) respondOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *oauth.Error
	if errors.As(err, &oerr) {
		if oerr.Status() == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="gatewarden"`)
		}
		helpers.RespondJSON(w, oerr.Status(), oerr)
		return
	}

	s.logger.Error("oauth_request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
	helpers.RespondJSON(w, http.StatusInternalServerError, &oauth.Error{
		Code:        oauth.CodeServerError,
		Description: "the request could not be processed",
	})
}
