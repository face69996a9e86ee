package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
)

type checkRequest struct {
	UserID     string `json:"user_id"`
	OrgID      string `json:"org_id"`
	Permission string `json:"permission"`
}

// handleAuthorizationCheck answers allow/deny. Malformed input is a
// deny with a reason, not an HTTP error: resource servers treat any
// non-200 as an outage, so only infrastructure faults produce one.
func (s *Server) handleAuthorizationCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	decision, err := s.authz.Authorize(r.Context(), req.UserID, req.OrgID, req.Permission)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.authz.ListPermissions(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, permissionsFrom(perms))
}

type createOrganizationRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description,omitempty"`
}

func (req *createOrganizationRequest) Validate() error {
	if req.Name == "" || req.Slug == "" {
		return fmt.Errorf("name and slug are required")
	}
	return nil
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req createOrganizationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	org, err := s.authz.CreateOrganization(r.Context(), actor, req.Name, req.Slug, req.Description)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, organizationFrom(org))
}

func (s *Server) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	orgs, err := s.authz.ListOrganizations(r.Context(), actor)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, organizationsFrom(orgs))
}

func (s *Server) handleDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, err := uuidParam(r, "orgID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.authz.DeleteOrganization(r.Context(), actor, orgID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (req *addMemberRequest) Validate() error {
	if req.UserID == "" || req.Role == "" {
		return fmt.Errorf("user_id and role are required")
	}
	return nil
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, err := uuidParam(r, "orgID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	var req addMemberRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, "user_id must be a valid uuid")
		return
	}

	if err := s.authz.AddMember(r.Context(), actor, orgID, userID, req.Role); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, err := uuidParam(r, "orgID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	userID, err := uuidParam(r, "userID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.authz.RemoveMember(r.Context(), actor, orgID, userID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, err := uuidParam(r, "orgID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	members, err := s.authz.ListMembers(r.Context(), actor, orgID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, membershipsFrom(members))
}

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (req *createGroupRequest) Validate() error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, err := uuidParam(r, "orgID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	var req createGroupRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	group, err := s.authz.CreateGroup(r.Context(), actor, orgID, req.Name, req.Description)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, groupFrom(group))
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, err := uuidParam(r, "orgID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	groups, err := s.authz.ListGroups(r.Context(), actor, orgID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, groupsFrom(groups))
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.authz.DeleteGroup(r.Context(), actor, groupID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type groupMemberRequest struct {
	UserID string `json:"user_id"`
}

func (req *groupMemberRequest) Validate() error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	var req groupMemberRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, "user_id must be a valid uuid")
		return
	}

	if err := s.authz.AddGroupMember(r.Context(), actor, groupID, userID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	userID, err := uuidParam(r, "userID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.authz.RemoveGroupMember(r.Context(), actor, groupID, userID); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantPermissionRequest struct {
	Permission string `json:"permission"`
}

func (req *grantPermissionRequest) Validate() error {
	if req.Permission == "" {
		return fmt.Errorf("permission is required")
	}
	return nil
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	var req grantPermissionRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.authz.GrantPermission(r.Context(), actor, groupID, req.Permission); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	permission := chi.URLParam(r, "permission")

	if err := s.authz.RevokePermission(r.Context(), actor, groupID, permission); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGroupPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	groupID, err := uuidParam(r, "groupID")
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	perms, err := s.authz.ListGroupPermissions(r.Context(), actor, groupID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, permissionsFrom(perms))
}
