package storage

import (
	"time"

	"github.com/google/uuid"
)

// User is an account row. TOTPSecret holds the AEAD-encrypted seed and is
// never exposed outside the auth package.
type User struct {
	ID            uuid.UUID
	Email         string
	PasswordHash  string
	EmailVerified bool
	Active        bool
	TOTPSecret    *string
	TOTPEnabled   bool
	TOTPPending   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	VerifiedAt    *time.Time
	LastLoginAt   *time.Time
}

// Organization is a tenant. Deleted organizations keep their row with
// DeletedAt set; slugs are unique among the live ones.
type Organization struct {
	ID          uuid.UUID
	Name        string
	Slug        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Membership links a user to an organization. A non-empty organization
// always keeps at least one owner.
type Membership struct {
	UserID    uuid.UUID
	OrgID     uuid.UUID
	Role      string
	JoinedAt  time.Time
	InvitedBy *uuid.UUID
}

// Group is a named permission container inside one organization.
type Group struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Name        string
	Description string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Permission is a catalog entry. The catalog is global; grants bind
// permissions to groups per organization.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Description string
}

// PermissionGrant is one resolved (permission, group) pair for a user in
// an organization. It is the unit cached at the L2 authorization level.
type PermissionGrant struct {
	Permission string `json:"permission"`
	Group      string `json:"group"`
}

// RefreshTokenRecord tracks an issued refresh token by its jti. Rotation
// marks the old record revoked and links it to its successor, which is
// what lets a replayed jti identify the chain to revoke.
type RefreshTokenRecord struct {
	JTI       string
	UserID    uuid.UUID
	OrgID     *uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	RotatedTo *string
}

// OAuthClient is a registered OAuth2 client. SecretHash is nil for public
// clients, which must use PKCE instead. First-party clients are registered
// with RequireConsent false, so their users never see the consent screen.
type OAuthClient struct {
	ID             string
	Name           string
	SecretHash     *string
	RedirectURIs   []string
	Scopes         []string
	GrantTypes     []string
	Public         bool
	RequirePKCE    bool
	RequireConsent bool
	FirstParty     bool
	CreatedAt      time.Time
}

// Consent records which scopes a user has approved for a client, so the
// consent screen is skipped when a covering grant already exists.
type Consent struct {
	UserID    uuid.UUID
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
}

// AuditRecord is one append-only audit event.
type AuditRecord struct {
	ID        int64
	Action    string
	ActorID   *uuid.UUID
	TargetID  *string
	OrgID     *uuid.UUID
	Metadata  []byte
	CreatedAt time.Time
}
