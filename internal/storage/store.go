package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned on unique-constraint violations, such as
	// registering an email twice or reusing an organization slug.
	ErrDuplicate = errors.New("storage: duplicate")
	// ErrNotMember is returned by ResolvePermissions when the user has no
	// membership in the organization.
	ErrNotMember = errors.New("storage: not a member")
	// ErrLastOwner is returned when removing a member would leave a
	// non-empty organization without an owner.
	ErrLastOwner = errors.New("storage: organization needs an owner")
)

// defaultOpTimeout bounds every persistent-store call.
const defaultOpTimeout = 60 * time.Second

// UserStore covers account rows and their 2FA material.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (User, error)
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	DeactivateUser(ctx context.Context, id uuid.UUID) error
	TouchLastLogin(ctx context.Context, id uuid.UUID) error

	// SetTOTPSecret stores an encrypted seed in the pending state;
	// ConfirmTOTP flips it to enabled after the first valid code.
	SetTOTPSecret(ctx context.Context, id uuid.UUID, encryptedSecret string) error
	ConfirmTOTP(ctx context.Context, id uuid.UUID) error
	DisableTOTP(ctx context.Context, id uuid.UUID) error

	// ReplaceBackupCodes swaps the full set of hashed backup codes.
	ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codeHashes []string) error
	// ConsumeBackupCode marks the matching unused code as used. It
	// reports false when no unused code carries that hash, which makes
	// each code single-use even under concurrent presentation.
	ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) (bool, error)
	CountUsedBackupCodes(ctx context.Context, id uuid.UUID) (int, error)
}

// OrganizationStore covers tenants and their memberships.
type OrganizationStore interface {
	// CreateOrganization inserts the organization and its owner
	// membership in one transaction.
	CreateOrganization(ctx context.Context, name, slug, description string, ownerID uuid.UUID) (Organization, error)
	GetOrganizationByID(ctx context.Context, id uuid.UUID) (Organization, error)
	ListOrganizationsByUser(ctx context.Context, userID uuid.UUID) ([]Organization, error)
	DeleteOrganization(ctx context.Context, id uuid.UUID) error

	AddMember(ctx context.Context, orgID, userID uuid.UUID, role string, invitedBy *uuid.UUID) error
	// RemoveMember refuses to orphan a non-empty organization; removing
	// its only owner returns ErrLastOwner unless they are also its last
	// member.
	RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error
	// IsMember and GetMembership treat members of a soft-deleted
	// organization as non-members.
	IsMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	GetMembership(ctx context.Context, orgID, userID uuid.UUID) (Membership, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]Membership, error)
}

// AuthzStore covers groups, the permission catalog, and resolution.
type AuthzStore interface {
	// ResolvePermissions returns every (permission, group) pair the user
	// holds in the organization. A member with no grants gets an empty
	// slice; a non-member gets ErrNotMember.
	ResolvePermissions(ctx context.Context, userID, orgID uuid.UUID) ([]PermissionGrant, error)

	ListPermissions(ctx context.Context) ([]Permission, error)

	CreateGroup(ctx context.Context, orgID uuid.UUID, name, description string) (Group, error)
	GetGroupByID(ctx context.Context, id uuid.UUID) (Group, error)
	ListGroupsByOrg(ctx context.Context, orgID uuid.UUID) ([]Group, error)
	DeleteGroup(ctx context.Context, id uuid.UUID) error

	AddGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
	RemoveGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
	ListGroupMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)

	GrantPermission(ctx context.Context, groupID uuid.UUID, permission string) error
	RevokePermission(ctx context.Context, groupID uuid.UUID, permission string) error
	ListGroupPermissions(ctx context.Context, groupID uuid.UUID) ([]Permission, error)
}

// RefreshTokenStore tracks refresh jtis for rotation and bulk revocation.
type RefreshTokenStore interface {
	RecordRefreshToken(ctx context.Context, rec RefreshTokenRecord) error
	GetRefreshToken(ctx context.Context, jti string) (RefreshTokenRecord, error)
	// RotateRefreshToken revokes oldJTI and links it to newJTI in one
	// statement.
	RotateRefreshToken(ctx context.Context, oldJTI, newJTI string) error
	RevokeRefreshToken(ctx context.Context, jti string) error
	// RevokeAllForUser revokes every live refresh token the user holds and
	// returns the revoked records so callers can blacklist each jti for
	// its remaining lifetime.
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) ([]RefreshTokenRecord, error)
}

// OAuthClientStore covers registered clients and user consents.
type OAuthClientStore interface {
	CreateOAuthClient(ctx context.Context, client OAuthClient) error
	GetOAuthClient(ctx context.Context, clientID string) (OAuthClient, error)
	ListOAuthClients(ctx context.Context) ([]OAuthClient, error)
	UpsertConsent(ctx context.Context, consent Consent) error
	GetConsent(ctx context.Context, userID uuid.UUID, clientID string) (Consent, error)
}

// AuditStore persists append-only audit events.
type AuditStore interface {
	InsertAuditRecord(ctx context.Context, rec AuditRecord) error
}

// Store is the full persistent-store contract. *Postgres implements it.
type Store interface {
	UserStore
	OrganizationStore
	AuthzStore
	RefreshTokenStore
	OAuthClientStore
	AuditStore
}

// NewPool creates a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parsing dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("storage: connecting: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: pinging: %w", err)
	}

	return pool, nil
}
