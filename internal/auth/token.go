package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// TokenKind is the value of the "type" claim. OAuth tokens reuse access
// and refresh; they are told apart by their client_id and aud claims.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
	KindPreAuth TokenKind = "pre_auth"
)

// Claims is the token payload. Subject carries the user id;
// client-credentials tokens have no subject, only a client_id.
type Claims struct {
	Kind     TokenKind  `json:"type"`
	OrgID    *uuid.UUID `json:"org_id,omitempty"`
	Scope    string     `json:"scope,omitempty"`
	ClientID string     `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a user id.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// HasAudience reports whether the token was minted for the given
// audience. Resource boundaries check this; internal decode does not.
func (c *Claims) HasAudience(aud string) bool {
	for _, a := range c.Audience {
		if a == aud {
			return true
		}
	}
	return false
}

// TokenTTLs holds the issue lifetimes per kind.
type TokenTTLs struct {
	Access       time.Duration
	Refresh      time.Duration
	PreAuth      time.Duration
	OAuthAccess  time.Duration
	OAuthRefresh time.Duration
}

// Minted is one freshly signed token with the identifiers callers need
// to persist or pair with ephemeral state.
type Minted struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Minter signs and verifies all token kinds with one shared HMAC-SHA256
// secret. Every verify consults the jti blacklist, so a revoked token
// fails decode everywhere at once.
type Minter struct {
	secret    []byte
	issuer    string
	ttls      TokenTTLs
	blacklist *Blacklist
	now       func() time.Time
}

// NewMinter validates the secret and builds a minter.
func NewMinter(secret []byte, issuer string, ttls TokenTTLs, blacklist *Blacklist) (*Minter, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: token secret must be at least 32 bytes")
	}
	return &Minter{
		secret:    secret,
		issuer:    issuer,
		ttls:      ttls,
		blacklist: blacklist,
		now:       time.Now,
	}, nil
}

func (m *Minter) mint(claims Claims, ttl time.Duration) (Minted, error) {
	now := m.now()
	jti := uuid.NewString()
	expiresAt := now.Add(ttl)

	claims.ID = jti
	claims.Issuer = m.issuer
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	// Backdate iat/nbf so freshly minted tokens survive clock skew
	// between services.
	claims.IssuedAt = jwt.NewNumericDate(now.Add(-1 * time.Minute))
	claims.NotBefore = jwt.NewNumericDate(now.Add(-1 * time.Minute))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return Minted{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Minted{Token: signed, JTI: jti, IssuedAt: now, ExpiresAt: expiresAt}, nil
}

// MintAccess issues a 15-minute access token. OrgID is nil for users
// outside any organization.
func (m *Minter) MintAccess(userID uuid.UUID, orgID *uuid.UUID) (Minted, error) {
	return m.mint(Claims{
		Kind:             KindAccess,
		OrgID:            orgID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
	}, m.ttls.Access)
}

// MintRefresh issues a refresh token; the caller records its jti.
func (m *Minter) MintRefresh(userID uuid.UUID, orgID *uuid.UUID) (Minted, error) {
	return m.mint(Claims{
		Kind:             KindRefresh,
		OrgID:            orgID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
	}, m.ttls.Refresh)
}

// MintPreAuth issues the short-lived token that carries a partially
// completed login between steps. The TTL varies by step, so it is
// explicit here.
func (m *Minter) MintPreAuth(userID uuid.UUID, ttl time.Duration) (Minted, error) {
	return m.mint(Claims{
		Kind:             KindPreAuth,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
	}, ttl)
}

// MintOAuthAccess issues an access token for a resource server. Subject
// is the user id; client-credentials tokens pass an empty subject and
// are recognized by the bare client_id claim.
func (m *Minter) MintOAuthAccess(subject, clientID, scope string) (Minted, error) {
	return m.mint(Claims{
		Kind:     KindAccess,
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Audience: jwt.ClaimStrings{clientID},
		},
	}, m.ttls.OAuthAccess)
}

// MintOAuthRefresh issues a refresh token bound to a client and scope.
func (m *Minter) MintOAuthRefresh(userID uuid.UUID, clientID, scope string) (Minted, error) {
	return m.mint(Claims{
		Kind:             KindRefresh,
		Scope:            scope,
		ClientID:         clientID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
	}, m.ttls.OAuthRefresh)
}

// Verify parses the token, checks the signature, expiry, and kind, and
// consults the blacklist. On ErrRevokedToken the parsed claims are still
// returned so the caller can identify the chain behind a replay.
func (m *Minter) Verify(ctx context.Context, raw string, want TokenKind) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(m.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != want {
		return nil, ErrInvalidToken
	}

	revoked, err := m.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("checking token blacklist: %w", err)
	}
	if revoked {
		return claims, ErrRevokedToken
	}
	return claims, nil
}
