package authz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/storage"
)

var (
	ErrForbidden         = errors.New("insufficient role for this operation")
	ErrInvalidRole       = errors.New("invalid membership role")
	ErrInvalidSlug       = errors.New("invalid organization slug")
	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidPermission = errors.New("invalid permission format")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{2,50}$`)

const maxNameLength = 100

// requireRole loads the actor's membership and checks it against the
// allowed roles. A missing membership reads as forbidden, not not-found,
// so probing cannot tell a foreign organization from a role gap.
func (e *Engine) requireRole(ctx context.Context, orgID, actorID uuid.UUID, roles ...string) (storage.Membership, error) {
	m, err := e.store.GetMembership(ctx, orgID, actorID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Membership{}, ErrForbidden
	}
	if err != nil {
		return storage.Membership{}, fmt.Errorf("authz: loading membership: %w", err)
	}
	for _, role := range roles {
		if m.Role == role {
			return m, nil
		}
	}
	return storage.Membership{}, ErrForbidden
}

// adminGroup loads the group and verifies the actor holds admin or owner
// in its organization.
func (e *Engine) adminGroup(ctx context.Context, actorID, groupID uuid.UUID) (storage.Group, error) {
	group, err := e.store.GetGroupByID(ctx, groupID)
	if err != nil {
		return storage.Group{}, fmt.Errorf("authz: loading group: %w", err)
	}
	if _, err := e.requireRole(ctx, group.OrgID, actorID, storage.RoleAdmin, storage.RoleOwner); err != nil {
		return storage.Group{}, err
	}
	return group, nil
}

// CreateOrganization provisions a tenant with the caller as its owner.
func (e *Engine) CreateOrganization(ctx context.Context, actorID uuid.UUID, name, slug, description string) (storage.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return storage.Organization{}, ErrInvalidName
	}
	if !slugPattern.MatchString(slug) {
		return storage.Organization{}, ErrInvalidSlug
	}

	org, err := e.store.CreateOrganization(ctx, name, slug, description, actorID)
	if err != nil {
		return storage.Organization{}, fmt.Errorf("authz: creating organization: %w", err)
	}

	e.audit.Log(ctx, audit.ActionOrgCreated, audit.LogParams{
		ActorID:  &actorID,
		TargetID: org.ID.String(),
		OrgID:    &org.ID,
		Metadata: map[string]interface{}{"slug": org.Slug},
	})
	return org, nil
}

// ListOrganizations returns the live organizations the caller belongs to.
func (e *Engine) ListOrganizations(ctx context.Context, actorID uuid.UUID) ([]storage.Organization, error) {
	orgs, err := e.store.ListOrganizationsByUser(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("authz: listing organizations: %w", err)
	}
	return orgs, nil
}

// DeleteOrganization soft-deletes the tenant. Owner only. Cached state is
// dropped for every member so revoked access takes effect immediately.
func (e *Engine) DeleteOrganization(ctx context.Context, actorID, orgID uuid.UUID) error {
	if _, err := e.requireRole(ctx, orgID, actorID, storage.RoleOwner); err != nil {
		return err
	}

	members, err := e.store.ListMembers(ctx, orgID)
	if err != nil {
		return fmt.Errorf("authz: listing members: %w", err)
	}

	if err := e.store.DeleteOrganization(ctx, orgID); err != nil {
		return fmt.Errorf("authz: deleting organization: %w", err)
	}

	for _, m := range members {
		e.InvalidateUserOrg(ctx, m.UserID, orgID)
	}

	e.audit.Log(ctx, audit.ActionOrgDeleted, audit.LogParams{
		ActorID:  &actorID,
		TargetID: orgID.String(),
		OrgID:    &orgID,
	})
	return nil
}

// AddMember grants a user membership in the organization. Admins and
// owners may add members; granting the owner role takes an owner. Nothing
// is invalidated: denials for non-members are never cached, so the new
// membership is visible on the next check.
func (e *Engine) AddMember(ctx context.Context, actorID, orgID, userID uuid.UUID, role string) error {
	switch role {
	case storage.RoleOwner, storage.RoleAdmin, storage.RoleMember:
	default:
		return ErrInvalidRole
	}

	actor, err := e.requireRole(ctx, orgID, actorID, storage.RoleAdmin, storage.RoleOwner)
	if err != nil {
		return err
	}
	if role == storage.RoleOwner && actor.Role != storage.RoleOwner {
		return ErrForbidden
	}

	if err := e.store.AddMember(ctx, orgID, userID, role, &actorID); err != nil {
		return fmt.Errorf("authz: adding member: %w", err)
	}

	e.audit.Log(ctx, audit.ActionMembershipChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: userID.String(),
		OrgID:    &orgID,
		Metadata: map[string]interface{}{"op": "add", "role": role},
	})
	return nil
}

// RemoveMember drops a membership and the user's group placements with
// it. Members may remove themselves; admins and owners may remove others,
// except that removing an owner takes an owner. The store refuses to
// leave a non-empty organization without one (ErrLastOwner).
func (e *Engine) RemoveMember(ctx context.Context, actorID, orgID, userID uuid.UUID) error {
	if actorID != userID {
		actor, err := e.requireRole(ctx, orgID, actorID, storage.RoleAdmin, storage.RoleOwner)
		if err != nil {
			return err
		}
		target, err := e.store.GetMembership(ctx, orgID, userID)
		if err != nil {
			return fmt.Errorf("authz: loading membership: %w", err)
		}
		if target.Role == storage.RoleOwner && actor.Role != storage.RoleOwner {
			return ErrForbidden
		}
	}

	if err := e.store.RemoveMember(ctx, orgID, userID); err != nil {
		return fmt.Errorf("authz: removing member: %w", err)
	}

	e.InvalidateUserOrg(ctx, userID, orgID)

	e.audit.Log(ctx, audit.ActionMembershipChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: userID.String(),
		OrgID:    &orgID,
		Metadata: map[string]interface{}{"op": "remove"},
	})
	return nil
}

// ListMembers returns the organization's memberships. Any member may look.
func (e *Engine) ListMembers(ctx context.Context, actorID, orgID uuid.UUID) ([]storage.Membership, error) {
	if _, err := e.requireRole(ctx, orgID, actorID,
		storage.RoleOwner, storage.RoleAdmin, storage.RoleMember); err != nil {
		return nil, err
	}
	members, err := e.store.ListMembers(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("authz: listing members: %w", err)
	}
	return members, nil
}

// CreateGroup adds a permission group to the organization.
func (e *Engine) CreateGroup(ctx context.Context, actorID, orgID uuid.UUID, name, description string) (storage.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return storage.Group{}, ErrInvalidName
	}
	if _, err := e.requireRole(ctx, orgID, actorID, storage.RoleAdmin, storage.RoleOwner); err != nil {
		return storage.Group{}, err
	}

	group, err := e.store.CreateGroup(ctx, orgID, name, description)
	if err != nil {
		return storage.Group{}, fmt.Errorf("authz: creating group: %w", err)
	}

	e.audit.Log(ctx, audit.ActionGroupChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: group.ID.String(),
		OrgID:    &orgID,
		Metadata: map[string]interface{}{"op": "create", "name": group.Name},
	})
	return group, nil
}

// ListGroups returns the organization's live groups. Any member may look.
func (e *Engine) ListGroups(ctx context.Context, actorID, orgID uuid.UUID) ([]storage.Group, error) {
	if _, err := e.requireRole(ctx, orgID, actorID,
		storage.RoleOwner, storage.RoleAdmin, storage.RoleMember); err != nil {
		return nil, err
	}
	groups, err := e.store.ListGroupsByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("authz: listing groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup soft-deletes the group. The member list is captured before
// the delete removes it, then each member's cached state is dropped.
func (e *Engine) DeleteGroup(ctx context.Context, actorID, groupID uuid.UUID) error {
	group, err := e.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}

	members, err := e.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return fmt.Errorf("authz: listing group members: %w", err)
	}

	if err := e.store.DeleteGroup(ctx, groupID); err != nil {
		return fmt.Errorf("authz: deleting group: %w", err)
	}

	for _, id := range members {
		e.InvalidateUserOrg(ctx, id, group.OrgID)
	}

	e.audit.Log(ctx, audit.ActionGroupChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: group.ID.String(),
		OrgID:    &group.OrgID,
		Metadata: map[string]interface{}{"op": "delete", "name": group.Name},
	})
	return nil
}

// AddGroupMember places an organization member in the group. The store
// refuses targets outside the organization (ErrNotMember).
func (e *Engine) AddGroupMember(ctx context.Context, actorID, groupID, userID uuid.UUID) error {
	group, err := e.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}

	if err := e.store.AddGroupMember(ctx, groupID, userID); err != nil {
		return fmt.Errorf("authz: adding group member: %w", err)
	}

	e.InvalidateUserOrg(ctx, userID, group.OrgID)

	e.audit.Log(ctx, audit.ActionGroupChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: userID.String(),
		OrgID:    &group.OrgID,
		Metadata: map[string]interface{}{"op": "member_add", "group_id": group.ID.String()},
	})
	return nil
}

// RemoveGroupMember takes the user out of the group.
func (e *Engine) RemoveGroupMember(ctx context.Context, actorID, groupID, userID uuid.UUID) error {
	group, err := e.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}

	if err := e.store.RemoveGroupMember(ctx, groupID, userID); err != nil {
		return fmt.Errorf("authz: removing group member: %w", err)
	}

	e.InvalidateUserOrg(ctx, userID, group.OrgID)

	e.audit.Log(ctx, audit.ActionGroupChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: userID.String(),
		OrgID:    &group.OrgID,
		Metadata: map[string]interface{}{"op": "member_remove", "group_id": group.ID.String()},
	})
	return nil
}

// GrantPermission binds a catalog permission to the group and drops
// cached state for the group's members.
func (e *Engine) GrantPermission(ctx context.Context, actorID, groupID uuid.UUID, permission string) error {
	if !permissionPattern.MatchString(permission) {
		return ErrInvalidPermission
	}
	group, err := e.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}

	if err := e.store.GrantPermission(ctx, groupID, permission); err != nil {
		return fmt.Errorf("authz: granting permission: %w", err)
	}

	e.invalidateGroup(ctx, groupID, group.OrgID)

	e.audit.Log(ctx, audit.ActionPermissionChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: group.ID.String(),
		OrgID:    &group.OrgID,
		Metadata: map[string]interface{}{"op": "grant", "permission": permission},
	})
	return nil
}

// RevokePermission removes the binding and drops cached state for the
// group's members.
func (e *Engine) RevokePermission(ctx context.Context, actorID, groupID uuid.UUID, permission string) error {
	if !permissionPattern.MatchString(permission) {
		return ErrInvalidPermission
	}
	group, err := e.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return err
	}

	if err := e.store.RevokePermission(ctx, groupID, permission); err != nil {
		return fmt.Errorf("authz: revoking permission: %w", err)
	}

	e.invalidateGroup(ctx, groupID, group.OrgID)

	e.audit.Log(ctx, audit.ActionPermissionChanged, audit.LogParams{
		ActorID:  &actorID,
		TargetID: group.ID.String(),
		OrgID:    &group.OrgID,
		Metadata: map[string]interface{}{"op": "revoke", "permission": permission},
	})
	return nil
}

// ListGroupPermissions returns the group's grants. Admin surface, same
// gate as the mutations.
func (e *Engine) ListGroupPermissions(ctx context.Context, actorID, groupID uuid.UUID) ([]storage.Permission, error) {
	group, err := e.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	perms, err := e.store.ListGroupPermissions(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("authz: listing group permissions: %w", err)
	}
	return perms, nil
}

// ListPermissions returns the global permission catalog.
func (e *Engine) ListPermissions(ctx context.Context) ([]storage.Permission, error) {
	perms, err := e.store.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: listing permissions: %w", err)
	}
	return perms, nil
}
