package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
	"github.com/praxisworks/gatewarden/internal/api/middleware"
)

// requireUser returns the authenticated user id or writes the refusal.
// Client-credentials tokens are authenticated but carry no user, so
// user-bound endpoints turn them away here.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := middleware.GetUserID(r.Context())
	if err != nil {
		helpers.RespondError(w, http.StatusForbidden, helpers.KindPermissionDenied, "this endpoint requires a user token")
		return uuid.Nil, false
	}
	return userID, true
}

// requirePermission checks that the caller holds the permission inside
// the organization their token was minted for.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, userID uuid.UUID, permission string) bool {
	orgID, err := middleware.GetOrgID(r.Context())
	if err != nil || orgID == nil {
		helpers.RespondError(w, http.StatusForbidden, helpers.KindPermissionDenied, "an organization-scoped token is required")
		return false
	}

	decision, err := s.authz.Authorize(r.Context(), userID.String(), orgID.String(), permission)
	if err != nil {
		s.respondServiceError(w, r, err)
		return false
	}
	if !decision.Allowed {
		helpers.RespondError(w, http.StatusForbidden, helpers.KindPermissionDenied, "missing permission "+permission)
		return false
	}
	return true
}

// uuidParam parses a route parameter as a UUID.
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid uuid", name)
	}
	return id, nil
}
