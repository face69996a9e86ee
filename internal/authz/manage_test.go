package authz

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/storage"
)

func TestCreateOrganizationMakesCallerOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := uuid.New()

	org, err := env.engine.CreateOrganization(ctx, actor, "Praxis Works", "praxis-works", "tooling")
	require.NoError(t, err)
	assert.Equal(t, "praxis-works", org.Slug)

	m, err := env.store.GetMembership(ctx, org.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, storage.RoleOwner, m.Role)

	assert.Contains(t, env.audits.actions(), audit.ActionOrgCreated)
}

func TestCreateOrganizationValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	actor := uuid.New()

	badSlugs := []string{"A", "x", "has space", "UPPER", "under_score", strings.Repeat("a", 51)}
	for _, slug := range badSlugs {
		_, err := env.engine.CreateOrganization(ctx, actor, "Acme", slug, "")
		assert.ErrorIs(t, err, ErrInvalidSlug, "slug %q", slug)
	}

	_, err := env.engine.CreateOrganization(ctx, actor, "   ", "acme", "")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = env.engine.CreateOrganization(ctx, actor, strings.Repeat("n", 101), "acme", "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateOrganizationDuplicateSlug(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.CreateOrganization(ctx, uuid.New(), "Acme", "acme", "")
	require.NoError(t, err)

	_, err = env.engine.CreateOrganization(ctx, uuid.New(), "Acme Two", "acme", "")
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestDeleteOrganizationOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	admin := seedMember(t, env, orgID, storage.RoleAdmin)

	assert.ErrorIs(t, env.engine.DeleteOrganization(ctx, admin, orgID), ErrForbidden)

	require.NoError(t, env.engine.DeleteOrganization(ctx, ownerID, orgID))
	assert.Contains(t, env.audits.actions(), audit.ActionOrgDeleted)

	orgs, err := env.engine.ListOrganizations(ctx, ownerID)
	require.NoError(t, err)
	assert.Empty(t, orgs)

	// Memberships in a deleted organization no longer authorize anything.
	d, err := env.engine.Authorize(ctx, ownerID.String(), orgID.String(), "documents:read")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Not a member of the organization", d.Reason)
}

func TestDeleteOrganizationDropsCachedDecisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	seedGrant(t, env, orgID, ownerID, "editors", "documents:write")

	d, err := env.engine.Authorize(ctx, ownerID.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, env.engine.DeleteOrganization(ctx, ownerID, orgID))

	// A warm L1 allow would survive for its TTL; deletion must not wait
	// that out.
	d, err = env.engine.Authorize(ctx, ownerID.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestAddMemberRoleRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	admin := seedMember(t, env, orgID, storage.RoleAdmin)
	member := seedMember(t, env, orgID, storage.RoleMember)

	require.NoError(t, env.engine.AddMember(ctx, admin, orgID, uuid.New(), storage.RoleMember))
	require.NoError(t, env.engine.AddMember(ctx, ownerID, orgID, uuid.New(), storage.RoleOwner))

	assert.ErrorIs(t, env.engine.AddMember(ctx, admin, orgID, uuid.New(), storage.RoleOwner),
		ErrForbidden, "only owners mint owners")
	assert.ErrorIs(t, env.engine.AddMember(ctx, member, orgID, uuid.New(), storage.RoleMember),
		ErrForbidden)
	assert.ErrorIs(t, env.engine.AddMember(ctx, uuid.New(), orgID, uuid.New(), storage.RoleMember),
		ErrForbidden)
	assert.ErrorIs(t, env.engine.AddMember(ctx, ownerID, orgID, uuid.New(), "superuser"),
		ErrInvalidRole)
	assert.ErrorIs(t, env.engine.AddMember(ctx, ownerID, orgID, member, storage.RoleMember),
		storage.ErrDuplicate)
}

func TestRemoveMemberSelfLeave(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, _ := seedOrg(t, env)
	member := seedMember(t, env, orgID, storage.RoleMember)
	seedGrant(t, env, orgID, member, "editors", "documents:write")

	d, err := env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, env.engine.RemoveMember(ctx, member, orgID, member))

	d, err = env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Not a member of the organization", d.Reason)
}

func TestRemoveMemberRoleRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	admin := seedMember(t, env, orgID, storage.RoleAdmin)
	member := seedMember(t, env, orgID, storage.RoleMember)
	other := seedMember(t, env, orgID, storage.RoleMember)

	assert.ErrorIs(t, env.engine.RemoveMember(ctx, member, orgID, other), ErrForbidden)
	assert.ErrorIs(t, env.engine.RemoveMember(ctx, admin, orgID, ownerID), ErrForbidden,
		"admins cannot remove owners")

	require.NoError(t, env.engine.RemoveMember(ctx, admin, orgID, other))
	require.NoError(t, env.engine.RemoveMember(ctx, ownerID, orgID, admin))
}

func TestRemoveMemberLastOwnerGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	seedMember(t, env, orgID, storage.RoleMember)

	err := env.engine.RemoveMember(ctx, ownerID, orgID, ownerID)
	assert.ErrorIs(t, err, storage.ErrLastOwner)
}

func TestGroupLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	member := seedMember(t, env, orgID, storage.RoleMember)

	group, err := env.engine.CreateGroup(ctx, ownerID, orgID, "editors", "writes docs")
	require.NoError(t, err)

	require.NoError(t, env.engine.AddGroupMember(ctx, ownerID, group.ID, member))
	require.NoError(t, env.engine.GrantPermission(ctx, ownerID, group.ID, "documents:write"))

	d, err := env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"editors"}, d.Groups)

	perms, err := env.engine.ListGroupPermissions(ctx, ownerID, group.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "documents:write", perms[0].Name)

	require.NoError(t, env.engine.RevokePermission(ctx, ownerID, group.ID, "documents:write"))
	d, err = env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "revocation visible immediately")

	require.NoError(t, env.engine.DeleteGroup(ctx, ownerID, group.ID))
	groups, err := env.engine.ListGroups(ctx, ownerID, orgID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestGroupManagementRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	member := seedMember(t, env, orgID, storage.RoleMember)

	group, err := env.engine.CreateGroup(ctx, ownerID, orgID, "editors", "")
	require.NoError(t, err)

	_, err = env.engine.CreateGroup(ctx, member, orgID, "rogues", "")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, env.engine.AddGroupMember(ctx, member, group.ID, member), ErrForbidden)
	assert.ErrorIs(t, env.engine.GrantPermission(ctx, member, group.ID, "documents:write"), ErrForbidden)
	assert.ErrorIs(t, env.engine.DeleteGroup(ctx, member, group.ID), ErrForbidden)
	_, err = env.engine.ListGroupPermissions(ctx, member, group.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	// Outsiders read the same refusal as under-privileged members.
	assert.ErrorIs(t, env.engine.DeleteGroup(ctx, uuid.New(), group.ID), ErrForbidden)
}

func TestGrantPermissionValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	group, err := env.engine.CreateGroup(ctx, ownerID, orgID, "editors", "")
	require.NoError(t, err)

	assert.ErrorIs(t, env.engine.GrantPermission(ctx, ownerID, group.ID, "Docs:Read"),
		ErrInvalidPermission)
	assert.ErrorIs(t, env.engine.GrantPermission(ctx, ownerID, group.ID, "documents:destroy"),
		storage.ErrNotFound, "permission must exist in the catalog")
}

func TestAddGroupMemberRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	group, err := env.engine.CreateGroup(ctx, ownerID, orgID, "editors", "")
	require.NoError(t, err)

	err = env.engine.AddGroupMember(ctx, ownerID, group.ID, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotMember)
}

func TestGrantPermissionInvalidatesGroupMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	alice := seedMember(t, env, orgID, storage.RoleMember)
	bob := seedMember(t, env, orgID, storage.RoleMember)

	group, err := env.engine.CreateGroup(ctx, ownerID, orgID, "editors", "")
	require.NoError(t, err)
	require.NoError(t, env.engine.AddGroupMember(ctx, ownerID, group.ID, alice))
	require.NoError(t, env.engine.AddGroupMember(ctx, ownerID, group.ID, bob))

	// Warm both members' deny entries.
	for _, id := range []uuid.UUID{alice, bob} {
		d, err := env.engine.Authorize(ctx, id.String(), orgID.String(), "documents:write")
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	require.NoError(t, env.engine.GrantPermission(ctx, ownerID, group.ID, "documents:write"))

	for _, id := range []uuid.UUID{alice, bob} {
		d, err := env.engine.Authorize(ctx, id.String(), orgID.String(), "documents:write")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "cached deny must not outlive the grant")
	}
}

func TestRemoveGroupMemberInvalidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	member := seedMember(t, env, orgID, storage.RoleMember)
	group := seedGrant(t, env, orgID, member, "editors", "documents:write")

	d, err := env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, env.engine.RemoveGroupMember(ctx, ownerID, group, member))

	d, err = env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Permission denied", d.Reason, "still a member, no longer granted")
}

func TestDeleteGroupInvalidatesFormerMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	member := seedMember(t, env, orgID, storage.RoleMember)
	group := seedGrant(t, env, orgID, member, "editors", "documents:write")

	d, err := env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, env.engine.DeleteGroup(ctx, ownerID, group))

	d, err = env.engine.Authorize(ctx, member.String(), orgID.String(), "documents:write")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestListMembersRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID, ownerID := seedOrg(t, env)
	seedMember(t, env, orgID, storage.RoleMember)

	_, err := env.engine.ListMembers(ctx, uuid.New(), orgID)
	assert.ErrorIs(t, err, ErrForbidden)

	members, err := env.engine.ListMembers(ctx, ownerID, orgID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestListPermissionsReturnsCatalog(t *testing.T) {
	env := newTestEnv(t)

	perms, err := env.engine.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Len(t, perms, 3)

	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = p.Name
	}
	assert.ElementsMatch(t, []string{"billing:manage", "documents:read", "documents:write"}, names)
}
