package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// Client types.
const (
	ClientPublic       = "public"
	ClientConfidential = "confidential"
)

// Registration validation errors.
var (
	ErrInvalidClientID    = errors.New("client id must be 2-50 lowercase letters, digits, or hyphens")
	ErrInvalidClientName  = errors.New("client name must be 1-100 characters")
	ErrInvalidClientType  = errors.New("client type must be public or confidential")
	ErrInvalidRedirectURI = errors.New("invalid redirect uri")
	ErrInvalidScopeToken  = errors.New("invalid scope")
	ErrInvalidGrantType   = errors.New("invalid grant type")
)

var clientIDPattern = regexp.MustCompile(`^[a-z0-9-]{2,50}$`)

const maxClientNameLength = 100

// clientSecretBytes sizes generated secrets at 256 bits of entropy.
const clientSecretBytes = 32

// RegisterClientInput is a client registration request. The zero value
// of GrantTypes defaults to the authorization-code pair. RequirePKCE
// lets confidential clients opt in; public clients get it regardless.
type RegisterClientInput struct {
	ClientID     string
	Name         string
	Type         string
	RedirectURIs []string
	Scopes       []string
	GrantTypes   []string
	RequirePKCE  bool
	FirstParty   bool
}

// RegisteredClient is the registration result. Secret carries the
// plaintext client secret for confidential clients and is shown exactly
// once; only its Argon2id hash is stored.
type RegisteredClient struct {
	Client storage.OAuthClient
	Secret string
}

// RegisterClient validates and persists a client. Public clients get no
// secret and must use PKCE; first-party clients skip the consent screen.
func (s *Server) RegisterClient(ctx context.Context, actorID *uuid.UUID, in RegisterClientInput) (*RegisteredClient, error) {
	if !clientIDPattern.MatchString(in.ClientID) {
		return nil, ErrInvalidClientID
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxClientNameLength {
		return nil, ErrInvalidClientName
	}
	if in.Type != ClientPublic && in.Type != ClientConfidential {
		return nil, ErrInvalidClientType
	}

	grants := in.GrantTypes
	if len(grants) == 0 {
		grants = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, g := range grants {
		switch g {
		case GrantAuthorizationCode, GrantRefreshToken:
		case GrantClientCredentials:
			if in.Type == ClientPublic {
				return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrInvalidGrantType)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidGrantType, g)
		}
	}

	needsRedirect := false
	for _, g := range grants {
		if g == GrantAuthorizationCode {
			needsRedirect = true
		}
	}
	if needsRedirect && len(in.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one uri is required for the authorization_code grant", ErrInvalidRedirectURI)
	}
	for _, uri := range in.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(in.Scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidScopeToken)
	}
	for _, sc := range in.Scopes {
		if !validScopeToken(sc) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScopeToken, sc)
		}
		if len(s.cfg.Scopes) > 0 && !scopeSubset([]string{sc}, s.cfg.Scopes) {
			return nil, fmt.Errorf("%w: %q is not in the scope catalog", ErrInvalidScopeToken, sc)
		}
	}

	client := storage.OAuthClient{
		ID:             in.ClientID,
		Name:           name,
		RedirectURIs:   in.RedirectURIs,
		Scopes:         in.Scopes,
		GrantTypes:     grants,
		Public:         in.Type == ClientPublic,
		RequirePKCE:    in.Type == ClientPublic || in.RequirePKCE,
		RequireConsent: !in.FirstParty,
		FirstParty:     in.FirstParty,
	}

	var secret string
	if in.Type == ClientConfidential {
		var err error
		secret, err = auth.GenerateSecureToken(clientSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("oauth: generating client secret: %w", err)
		}
		hash, err := s.hasher.Hash(secret)
		if err != nil {
			return nil, fmt.Errorf("oauth: hashing client secret: %w", err)
		}
		client.SecretHash = &hash
	}

	if err := s.store.CreateOAuthClient(ctx, client); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.ActionClientRegistered, audit.LogParams{
		ActorID:  actorID,
		TargetID: client.ID,
		Metadata: map[string]interface{}{
			"type":        in.Type,
			"first_party": in.FirstParty,
		},
	})

	return &RegisteredClient{Client: client, Secret: secret}, nil
}

// ListClients returns every registered client. Secret hashes ride along;
// the transport layer decides what to expose.
func (s *Server) ListClients(ctx context.Context) ([]storage.OAuthClient, error) {
	return s.store.ListOAuthClients(ctx)
}

// validateRedirectURI enforces the registration rules: absolute https
// (plain http only on loopback), no fragment, no wildcard.
func validateRedirectURI(raw string) error {
	if strings.Contains(raw, "*") {
		return fmt.Errorf("%w %q: wildcards are not allowed", ErrInvalidRedirectURI, raw)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w %q: must be an absolute url", ErrInvalidRedirectURI, raw)
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return fmt.Errorf("%w %q: fragment is not allowed", ErrInvalidRedirectURI, raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return fmt.Errorf("%w %q: http is only allowed on loopback", ErrInvalidRedirectURI, raw)
		}
	default:
		return fmt.Errorf("%w %q: scheme must be https", ErrInvalidRedirectURI, raw)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validScopeToken checks the RFC 6749 §3.3 charset: printable ASCII
// without space, double quote, or backslash.
func validScopeToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7F || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}

// authenticateClient resolves and authenticates the client presented at
// the token endpoint. Unknown clients burn a dummy hash comparison so
// they are not distinguishable from a wrong secret by timing. Protocol
// failures come back as *Error; anything else is an infrastructure
// fault the transport turns into a 500.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (storage.OAuthClient, error) {
	if clientID == "" {
		return storage.OAuthClient{}, protocolErr(CodeInvalidClient, "client authentication required")
	}
	client, err := s.store.GetOAuthClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.hasher.DummyCompare(clientSecret)
			return storage.OAuthClient{}, protocolErr(CodeInvalidClient, "unknown client")
		}
		return storage.OAuthClient{}, fmt.Errorf("oauth: loading client: %w", err)
	}

	if client.SecretHash == nil {
		// Public client: authentication is the bare client_id. A secret
		// for a client that has none is a misconfigured caller.
		if clientSecret != "" {
			return storage.OAuthClient{}, protocolErr(CodeInvalidClient, "client has no secret")
		}
		return client, nil
	}

	if clientSecret == "" {
		return storage.OAuthClient{}, protocolErr(CodeInvalidClient, "client secret required")
	}
	if err := s.hasher.Compare(*client.SecretHash, clientSecret); err != nil {
		return storage.OAuthClient{}, protocolErr(CodeInvalidClient, "invalid client credentials")
	}
	return client, nil
}
