package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool. Every method is one
// named operation with its own deadline; referential integrity lives in
// the schema, not here.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// mapError converts driver errors to the package sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrDuplicate
		case "23503": // foreign_key_violation
			return ErrNotFound
		}
	}
	return err
}

const userColumns = `id, email, password_hash, email_verified, is_active,
	totp_secret, totp_enabled, totp_pending, created_at, updated_at, verified_at, last_login_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.Active,
		&u.TOTPSecret, &u.TOTPEnabled, &u.TOTPPending, &u.CreatedAt, &u.UpdatedAt,
		&u.VerifiedAt, &u.LastLoginAt)
	if err != nil {
		return User{}, mapError(err)
	}
	return u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash)
		VALUES ($1, $2)
		RETURNING `+userColumns,
		email, passwordHash)
	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`,
		email)
	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// exec runs a statement that must touch at least one row.
func (p *Postgres) exec(ctx context.Context, op, sql string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func (p *Postgres) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	// verified_at is written exactly once; a second verification is a
	// not-found, not an update.
	return p.exec(ctx, "mark email verified", `
		UPDATE users
		SET email_verified = TRUE, verified_at = now(), updated_at = now()
		WHERE id = $1 AND email_verified = FALSE`, id)
}

func (p *Postgres) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	return p.exec(ctx, "touch last login", `
		UPDATE users SET last_login_at = now() WHERE id = $1`, id)
}

func (p *Postgres) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return p.exec(ctx, "update password hash", `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
}

func (p *Postgres) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	return p.exec(ctx, "deactivate user", `
		UPDATE users SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
}

func (p *Postgres) SetTOTPSecret(ctx context.Context, id uuid.UUID, encryptedSecret string) error {
	return p.exec(ctx, "set totp secret", `
		UPDATE users
		SET totp_secret = $2, totp_pending = TRUE, totp_enabled = FALSE, updated_at = now()
		WHERE id = $1`, id, encryptedSecret)
}

func (p *Postgres) ConfirmTOTP(ctx context.Context, id uuid.UUID) error {
	return p.exec(ctx, "confirm totp", `
		UPDATE users
		SET totp_enabled = TRUE, totp_pending = FALSE, updated_at = now()
		WHERE id = $1 AND totp_secret IS NOT NULL`, id)
}

func (p *Postgres) DisableTOTP(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("disable totp: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET totp_secret = NULL, totp_enabled = FALSE, totp_pending = FALSE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable totp: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("disable totp: %w", ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM user_backup_codes WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("disable totp: clearing backup codes: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("disable totp: %w", err)
	}
	return nil
}

func (p *Postgres) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codeHashes []string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_backup_codes WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO user_backup_codes (user_id, code_hash)
		SELECT $1, unnest($2::text[])`, id, codeHashes); err != nil {
		return fmt.Errorf("replace backup codes: %w", mapError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	return nil
}

func (p *Postgres) ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	// The used_at IS NULL guard makes concurrent presentations race for a
	// single row update; exactly one wins.
	var rowID int64
	err := p.pool.QueryRow(ctx, `
		UPDATE user_backup_codes
		SET used_at = now()
		WHERE id = (
			SELECT id FROM user_backup_codes
			WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, id, codeHash).Scan(&rowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return true, nil
}

func (p *Postgres) CountUsedBackupCodes(ctx context.Context, id uuid.UUID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var used int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM user_backup_codes WHERE user_id = $1 AND used_at IS NOT NULL`,
		id).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("count used backup codes: %w", err)
	}
	return used, nil
}

func (p *Postgres) CreateOrganization(ctx context.Context, name, slug, description string, ownerID uuid.UUID) (Organization, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Organization{}, fmt.Errorf("create organization: %w", err)
	}
	defer tx.Rollback(ctx)

	var org Organization
	err = tx.QueryRow(ctx, `
		INSERT INTO organizations (name, slug, description)
		VALUES ($1, $2, $3)
		RETURNING id, name, slug, description, created_at, updated_at, deleted_at`,
		name, slug, description).Scan(&org.ID, &org.Name, &org.Slug, &org.Description,
		&org.CreatedAt, &org.UpdatedAt, &org.DeletedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("create organization: %w", mapError(err))
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO memberships (user_id, org_id, role) VALUES ($1, $2, $3)`,
		ownerID, org.ID, RoleOwner); err != nil {
		return Organization{}, fmt.Errorf("create organization: adding owner: %w", mapError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return Organization{}, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

func (p *Postgres) GetOrganizationByID(ctx context.Context, id uuid.UUID) (Organization, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var org Organization
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, slug, description, created_at, updated_at, deleted_at
		FROM organizations WHERE id = $1 AND deleted_at IS NULL`,
		id).Scan(&org.ID, &org.Name, &org.Slug, &org.Description,
		&org.CreatedAt, &org.UpdatedAt, &org.DeletedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("get organization: %w", mapError(err))
	}
	return org, nil
}

func (p *Postgres) ListOrganizationsByUser(ctx context.Context, userID uuid.UUID) ([]Organization, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT o.id, o.name, o.slug, o.description, o.created_at, o.updated_at, o.deleted_at
		FROM organizations o
		JOIN memberships m ON m.org_id = o.id
		WHERE m.user_id = $1 AND o.deleted_at IS NULL
		ORDER BY o.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.Description,
			&org.CreatedAt, &org.UpdatedAt, &org.DeletedAt); err != nil {
			return nil, fmt.Errorf("list organizations: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return orgs, nil
}

func (p *Postgres) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	return p.exec(ctx, "delete organization", `
		UPDATE organizations
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (p *Postgres) AddMember(ctx context.Context, orgID, userID uuid.UUID, role string, invitedBy *uuid.UUID) error {
	return p.exec(ctx, "add member", `
		INSERT INTO memberships (user_id, org_id, role, invited_by)
		VALUES ($1, $2, $3, $4)`,
		userID, orgID, role, invitedBy)
}

func (p *Postgres) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	defer tx.Rollback(ctx)

	var role string
	var owners, members int
	err = tx.QueryRow(ctx, `
		SELECT m.role,
		       (SELECT count(*) FROM memberships WHERE org_id = $1 AND role = 'owner'),
		       (SELECT count(*) FROM memberships WHERE org_id = $1)
		FROM memberships m
		WHERE m.user_id = $2 AND m.org_id = $1`,
		orgID, userID).Scan(&role, &owners, &members)
	if err != nil {
		return fmt.Errorf("remove member: %w", mapError(err))
	}
	if role == RoleOwner && owners == 1 && members > 1 {
		return ErrLastOwner
	}

	// Group membership in that organization goes with the membership.
	if _, err := tx.Exec(ctx, `
		DELETE FROM group_members gm
		USING groups g
		WHERE gm.group_id = g.id AND g.org_id = $1 AND gm.user_id = $2`,
		orgID, userID); err != nil {
		return fmt.Errorf("remove member: clearing groups: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM memberships WHERE user_id = $2 AND org_id = $1`,
		orgID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (p *Postgres) GetMembership(ctx context.Context, orgID, userID uuid.UUID) (Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var m Membership
	err := p.pool.QueryRow(ctx, `
		SELECT m.user_id, m.org_id, m.role, m.joined_at, m.invited_by
		FROM memberships m
		JOIN organizations o ON o.id = m.org_id AND o.deleted_at IS NULL
		WHERE m.user_id = $2 AND m.org_id = $1`,
		orgID, userID).Scan(&m.UserID, &m.OrgID, &m.Role, &m.JoinedAt, &m.InvitedBy)
	if err != nil {
		return Membership{}, fmt.Errorf("get membership: %w", mapError(err))
	}
	return m, nil
}

func (p *Postgres) ListMembers(ctx context.Context, orgID uuid.UUID) ([]Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT user_id, org_id, role, joined_at, invited_by
		FROM memberships WHERE org_id = $1 ORDER BY joined_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.Role, &m.JoinedAt, &m.InvitedBy); err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (p *Postgres) IsMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var member bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM memberships m
			JOIN organizations o ON o.id = m.org_id AND o.deleted_at IS NULL
			WHERE m.user_id = $1 AND m.org_id = $2)`,
		userID, orgID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return member, nil
}

func (p *Postgres) ResolvePermissions(ctx context.Context, userID, orgID uuid.UUID) ([]PermissionGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	member, err := p.IsMember(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	if !member {
		return nil, ErrNotMember
	}

	rows, err := p.pool.Query(ctx, `
		SELECT p.name, g.name
		FROM group_members gm
		JOIN groups g ON g.id = gm.group_id
		JOIN group_permissions gp ON gp.group_id = g.id
		JOIN permissions p ON p.id = gp.permission_id
		WHERE gm.user_id = $1 AND g.org_id = $2 AND g.deleted_at IS NULL
		ORDER BY p.name, g.name`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	defer rows.Close()

	grants := []PermissionGrant{}
	for rows.Next() {
		var grant PermissionGrant
		if err := rows.Scan(&grant.Permission, &grant.Group); err != nil {
			return nil, fmt.Errorf("resolve permissions: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	return grants, nil
}

func (p *Postgres) ListPermissions(ctx context.Context) ([]Permission, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description); err != nil {
			return nil, fmt.Errorf("list permissions: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	return perms, nil
}

func (p *Postgres) CreateGroup(ctx context.Context, orgID uuid.UUID, name, description string) (Group, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var g Group
	err := p.pool.QueryRow(ctx, `
		INSERT INTO groups (org_id, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, org_id, name, description, created_at`,
		orgID, name, description).Scan(&g.ID, &g.OrgID, &g.Name, &g.Description, &g.CreatedAt)
	if err != nil {
		return Group{}, fmt.Errorf("create group: %w", mapError(err))
	}
	return g, nil
}

func (p *Postgres) GetGroupByID(ctx context.Context, id uuid.UUID) (Group, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var g Group
	err := p.pool.QueryRow(ctx, `
		SELECT id, org_id, name, description, created_at
		FROM groups WHERE id = $1 AND deleted_at IS NULL`,
		id).Scan(&g.ID, &g.OrgID, &g.Name, &g.Description, &g.CreatedAt)
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", mapError(err))
	}
	return g, nil
}

func (p *Postgres) ListGroupsByOrg(ctx context.Context, orgID uuid.UUID) ([]Group, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT id, org_id, name, description, created_at
		FROM groups WHERE org_id = $1 AND deleted_at IS NULL ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.OrgID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

func (p *Postgres) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE groups SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete group: %w", ErrNotFound)
	}

	// Grants and members go immediately; the group row only lingers for
	// the (org, name) uniqueness window.
	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("delete group: clearing members: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM group_permissions WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("delete group: clearing grants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func (p *Postgres) AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	// Only organization members can join a group; the subquery makes the
	// check and the insert one statement.
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO group_members (group_id, user_id)
		SELECT g.id, $2
		FROM groups g
		JOIN memberships m ON m.org_id = g.org_id AND m.user_id = $2
		WHERE g.id = $1 AND g.deleted_at IS NULL`, groupID, userID)
	if err != nil {
		return fmt.Errorf("add group member: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add group member: %w", ErrNotMember)
	}
	return nil
}

func (p *Postgres) RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	return p.exec(ctx, "remove group member", `
		DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`,
		groupID, userID)
}

func (p *Postgres) ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list group members: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	return ids, nil
}

func (p *Postgres) GrantPermission(ctx context.Context, groupID uuid.UUID, permission string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var permID uuid.UUID
	err := p.pool.QueryRow(ctx, `
		SELECT id FROM permissions WHERE name = $1`, permission).Scan(&permID)
	if err != nil {
		return fmt.Errorf("grant permission: %w", mapError(err))
	}

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO group_permissions (group_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, groupID, permID); err != nil {
		return fmt.Errorf("grant permission: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) RevokePermission(ctx context.Context, groupID uuid.UUID, permission string) error {
	return p.exec(ctx, "revoke permission", `
		DELETE FROM group_permissions gp
		USING permissions p
		WHERE gp.group_id = $1 AND gp.permission_id = p.id AND p.name = $2`,
		groupID, permission)
}

func (p *Postgres) ListGroupPermissions(ctx context.Context, groupID uuid.UUID) ([]Permission, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT p.id, p.name, p.description
		FROM permissions p
		JOIN group_permissions gp ON gp.permission_id = p.id
		WHERE gp.group_id = $1
		ORDER BY p.name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description); err != nil {
			return nil, fmt.Errorf("list group permissions: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group permissions: %w", err)
	}
	return perms, nil
}

func (p *Postgres) RecordRefreshToken(ctx context.Context, rec RefreshTokenRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (jti, user_id, org_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.JTI, rec.UserID, rec.OrgID, rec.IssuedAt, rec.ExpiresAt); err != nil {
		return fmt.Errorf("record refresh token: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) GetRefreshToken(ctx context.Context, jti string) (RefreshTokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var rec RefreshTokenRecord
	err := p.pool.QueryRow(ctx, `
		SELECT jti, user_id, org_id, issued_at, expires_at, revoked_at, rotated_to
		FROM refresh_tokens WHERE jti = $1`,
		jti).Scan(&rec.JTI, &rec.UserID, &rec.OrgID, &rec.IssuedAt, &rec.ExpiresAt,
		&rec.RevokedAt, &rec.RotatedTo)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("get refresh token: %w", mapError(err))
	}
	return rec, nil
}

func (p *Postgres) RotateRefreshToken(ctx context.Context, oldJTI, newJTI string) error {
	return p.exec(ctx, "rotate refresh token", `
		UPDATE refresh_tokens
		SET revoked_at = now(), rotated_to = $2
		WHERE jti = $1 AND revoked_at IS NULL`, oldJTI, newJTI)
}

func (p *Postgres) RevokeRefreshToken(ctx context.Context, jti string) error {
	return p.exec(ctx, "revoke refresh token", `
		UPDATE refresh_tokens SET revoked_at = now() WHERE jti = $1 AND revoked_at IS NULL`,
		jti)
}

func (p *Postgres) RevokeAllForUser(ctx context.Context, userID uuid.UUID) ([]RefreshTokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = now()
		WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		RETURNING jti, user_id, org_id, issued_at, expires_at, revoked_at, rotated_to`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	defer rows.Close()

	var recs []RefreshTokenRecord
	for rows.Next() {
		var rec RefreshTokenRecord
		if err := rows.Scan(&rec.JTI, &rec.UserID, &rec.OrgID, &rec.IssuedAt,
			&rec.ExpiresAt, &rec.RevokedAt, &rec.RotatedTo); err != nil {
			return nil, fmt.Errorf("revoke all refresh tokens: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return recs, nil
}

func (p *Postgres) CreateOAuthClient(ctx context.Context, client OAuthClient) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO oauth_clients (id, name, secret_hash, redirect_uris, scopes,
		                           grant_types, is_public, require_pkce, require_consent, first_party)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		client.ID, client.Name, client.SecretHash, client.RedirectURIs, client.Scopes,
		client.GrantTypes, client.Public, client.RequirePKCE, client.RequireConsent,
		client.FirstParty); err != nil {
		return fmt.Errorf("create oauth client: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) GetOAuthClient(ctx context.Context, clientID string) (OAuthClient, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var client OAuthClient
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, secret_hash, redirect_uris, scopes, grant_types,
		       is_public, require_pkce, require_consent, first_party, created_at
		FROM oauth_clients WHERE id = $1`,
		clientID).Scan(&client.ID, &client.Name, &client.SecretHash, &client.RedirectURIs,
		&client.Scopes, &client.GrantTypes, &client.Public, &client.RequirePKCE,
		&client.RequireConsent, &client.FirstParty, &client.CreatedAt)
	if err != nil {
		return OAuthClient{}, fmt.Errorf("get oauth client: %w", mapError(err))
	}
	return client, nil
}

func (p *Postgres) ListOAuthClients(ctx context.Context) ([]OAuthClient, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
		SELECT id, name, secret_hash, redirect_uris, scopes, grant_types,
		       is_public, require_pkce, require_consent, first_party, created_at
		FROM oauth_clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list oauth clients: %w", err)
	}
	defer rows.Close()

	var clients []OAuthClient
	for rows.Next() {
		var client OAuthClient
		if err := rows.Scan(&client.ID, &client.Name, &client.SecretHash, &client.RedirectURIs,
			&client.Scopes, &client.GrantTypes, &client.Public, &client.RequirePKCE,
			&client.RequireConsent, &client.FirstParty, &client.CreatedAt); err != nil {
			return nil, fmt.Errorf("list oauth clients: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list oauth clients: %w", err)
	}
	return clients, nil
}

func (p *Postgres) UpsertConsent(ctx context.Context, consent Consent) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO oauth_consents (user_id, client_id, scopes, granted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, client_id)
		DO UPDATE SET scopes = EXCLUDED.scopes, granted_at = now()`,
		consent.UserID, consent.ClientID, consent.Scopes); err != nil {
		return fmt.Errorf("upsert consent: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) GetConsent(ctx context.Context, userID uuid.UUID, clientID string) (Consent, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var consent Consent
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, client_id, scopes, granted_at
		FROM oauth_consents WHERE user_id = $1 AND client_id = $2`,
		userID, clientID).Scan(&consent.UserID, &consent.ClientID,
		&consent.Scopes, &consent.GrantedAt)
	if err != nil {
		return Consent{}, fmt.Errorf("get consent: %w", mapError(err))
	}
	return consent, nil
}

func (p *Postgres) InsertAuditRecord(ctx context.Context, rec AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `
		INSERT INTO audit_logs (action, actor_id, target_id, org_id, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Action, rec.ActorID, rec.TargetID, rec.OrgID, rec.Metadata); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
