// Package oauth implements the OAuth 2.0 authorization server: the
// client registry, the authorization-code flow with PKCE and consent,
// the token endpoint grants, and revocation. Tokens are the same JWTs
// the rest of the service mints; an OAuth token is told apart by its
// client_id and aud claims, and revocation rides the shared jti
// blacklist.
package oauth

import (
	"log/slog"
	"strings"
	"time"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// Supported grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// codeTTL bounds how long an issued authorization code may be redeemed.
// The replay tombstone shares it: past this window a reused code is
// indistinguishable from an expired one anyway.
const codeTTL = time.Minute

// Ephemeral key builders. The layout is shared state with operators and
// runbooks; keep it stable.
func codeKey(code string) string     { return "oauth_code:" + code }
func usedCodeKey(code string) string { return "oauth_code_used:" + code }

// Store is the slice of the persistent contract the OAuth flows need.
type Store interface {
	storage.UserStore
	storage.RefreshTokenStore
	storage.OAuthClientStore
}

// Config holds the knobs the OAuth server reads. PublicURL doubles as
// the discovery issuer, per RFC 8414.
type Config struct {
	PublicURL string
	// Scopes is the advertised scope catalog. Clients register with a
	// subset of it.
	Scopes []string
}

// Server implements the authorization-server flows. It is agnostic of
// the HTTP transport except for the protocol helpers in token.go, which
// exist because client authentication is defined in terms of the HTTP
// request.
type Server struct {
	cfg       Config
	store     Store
	ephemeral ephemeral.Store
	minter    *auth.Minter
	blacklist *auth.Blacklist
	hasher    auth.PasswordHasher
	audit     audit.Service
	logger    *slog.Logger
}

func NewServer(
	cfg Config,
	store Store,
	eph ephemeral.Store,
	minter *auth.Minter,
	blacklist *auth.Blacklist,
	hasher auth.PasswordHasher,
	auditor audit.Service,
	logger *slog.Logger,
) *Server {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Server{
		cfg:       cfg,
		store:     store,
		ephemeral: eph,
		minter:    minter,
		blacklist: blacklist,
		hasher:    hasher,
		audit:     auditor,
		logger:    logger,
	}
}

// Metadata is the RFC 8414 discovery document.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
}

// Metadata assembles the discovery document from the configured public
// URL and scope catalog.
func (s *Server) Metadata() Metadata {
	return Metadata{
		Issuer:                 s.cfg.PublicURL,
		AuthorizationEndpoint:  s.cfg.PublicURL + "/oauth/authorize",
		TokenEndpoint:          s.cfg.PublicURL + "/oauth/token",
		RevocationEndpoint:     s.cfg.PublicURL + "/oauth/revoke",
		ResponseTypesSupported: []string{ResponseTypeCode},
		GrantTypesSupported: []string{
			GrantAuthorizationCode,
			GrantRefreshToken,
			GrantClientCredentials,
		},
		ScopesSupported:               s.cfg.Scopes,
		CodeChallengeMethodsSupported: []string{MethodS256, MethodPlain},
		TokenEndpointAuthMethods: []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
	}
}

// parseScope splits a space-delimited scope parameter. Repeated scopes
// collapse; order is preserved for the first occurrence.
func parseScope(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// joinScope renders a scope list back to its wire form.
func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// unionScope merges two scope lists, keeping first-appearance order.
func unionScope(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// scopeSubset reports whether every scope in want also appears in have.
func scopeSubset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
