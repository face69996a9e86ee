package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// TokenRequest is a parsed token-endpoint form. ClientID and
// ClientSecret carry whatever ExtractClientCredentials found.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 §5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func tokenResponse(access auth.Minted, refreshToken, scope string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}
}

// RequireFormEncoded enforces the token-endpoint content type.
func RequireFormEncoded(r *http.Request) *Error {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/x-www-form-urlencoded" {
		return protocolErr(CodeInvalidRequest, "content type must be application/x-www-form-urlencoded")
	}
	return nil
}

// ExtractClientCredentials pulls client authentication from the request
// per RFC 6749 §2.3.1: HTTP Basic or the form body, never both. Public
// clients identify themselves with a bare client_id in the body.
func ExtractClientCredentials(r *http.Request) (string, string, *Error) {
	basicID, basicSecret, hasBasic := r.BasicAuth()
	formSecret := r.PostFormValue("client_secret")

	if hasBasic && formSecret != "" {
		return "", "", protocolErr(CodeInvalidRequest, "multiple client authentication methods are not allowed")
	}
	if hasBasic {
		return basicID, basicSecret, nil
	}
	return r.PostFormValue("client_id"), formSecret, nil
}

// Exchange runs one token-endpoint grant. Protocol failures return
// *Error for the transport to serialize; other errors are 500s.
func (s *Server) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		if !containsString(client.GrantTypes, req.GrantType) {
			return nil, protocolErr(CodeUnauthorizedClient, "client may not use this grant type")
		}
	case "":
		return nil, protocolErr(CodeInvalidRequest, "grant_type is required")
	default:
		return nil, protocolErr(CodeUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", req.GrantType))
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, client, req)
	case GrantRefreshToken:
		return s.exchangeRefresh(ctx, client, req)
	default:
		return s.exchangeClientCredentials(ctx, client, req)
	}
}

// exchangeCode redeems a single-use authorization code. Validation runs
// against the stored binding first; consumption is the atomic step that
// makes the code single-use even under concurrent redemption.
func (s *Server) exchangeCode(ctx context.Context, client storage.OAuthClient, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, protocolErr(CodeInvalidRequest, "code is required")
	}
	if req.RedirectURI == "" {
		return nil, protocolErr(CodeInvalidRequest, "redirect_uri is required")
	}

	raw, err := s.ephemeral.Get(ctx, codeKey(req.Code))
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return nil, s.rejectCode(ctx, client, req.Code)
		}
		return nil, fmt.Errorf("oauth: loading code: %w", err)
	}
	var binding codeBinding
	if err := json.Unmarshal([]byte(raw), &binding); err != nil {
		return nil, fmt.Errorf("oauth: decoding code binding: %w", err)
	}

	if binding.ClientID != client.ID {
		return nil, protocolErr(CodeInvalidGrant, "code was issued to another client")
	}
	if binding.RedirectURI != req.RedirectURI {
		return nil, protocolErr(CodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if binding.Challenge != "" {
		if !VerifyPKCE(req.CodeVerifier, binding.Challenge, binding.Method) {
			return nil, protocolErr(CodeInvalidGrant, "code_verifier does not match the challenge")
		}
	} else if req.CodeVerifier != "" {
		return nil, protocolErr(CodeInvalidGrant, "code_verifier was not expected")
	}

	won, err := s.ephemeral.ConsumeIfEqual(ctx, codeKey(req.Code), raw)
	if err != nil {
		return nil, fmt.Errorf("oauth: consuming code: %w", err)
	}
	if !won {
		return nil, s.rejectCode(ctx, client, req.Code)
	}

	user, err := s.store.GetUserByID(ctx, binding.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocolErr(CodeInvalidGrant, "account no longer exists")
		}
		return nil, fmt.Errorf("oauth: loading user: %w", err)
	}
	if !user.Active {
		return nil, protocolErr(CodeInvalidGrant, "account is inactive")
	}

	refresh, err := s.minter.MintOAuthRefresh(user.ID, client.ID, binding.Scope)
	if err != nil {
		return nil, fmt.Errorf("oauth: minting refresh token: %w", err)
	}
	if err := s.store.RecordRefreshToken(ctx, storage.RefreshTokenRecord{
		JTI:       refresh.JTI,
		UserID:    user.ID,
		OrgID:     binding.OrgID,
		IssuedAt:  refresh.IssuedAt,
		ExpiresAt: refresh.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("oauth: recording refresh token: %w", err)
	}
	access, err := s.minter.MintOAuthAccess(user.ID.String(), client.ID, binding.Scope)
	if err != nil {
		return nil, fmt.Errorf("oauth: minting access token: %w", err)
	}

	// Tombstone for replay detection: a second presentation of the code
	// finds it and the grant it bought gets revoked.
	if err := s.ephemeral.SetWithTTL(ctx, usedCodeKey(req.Code), refresh.JTI, codeTTL); err != nil {
		s.logger.Warn("oauth_code_tombstone_failed", "error", err)
	}

	s.audit.Log(ctx, audit.ActionOAuthTokenIssued, audit.LogParams{
		ActorID:  &user.ID,
		TargetID: client.ID,
		Metadata: map[string]interface{}{"grant_type": GrantAuthorizationCode, "scope": binding.Scope},
	})

	return tokenResponse(access, refresh.Token, binding.Scope), nil
}

// rejectCode handles a code that is not redeemable. A tombstone left by
// a prior redemption marks it a replay: the event is audited and the
// refresh chain issued for the code is revoked.
func (s *Server) rejectCode(ctx context.Context, client storage.OAuthClient, code string) error {
	jti, err := s.ephemeral.Get(ctx, usedCodeKey(code))
	if err != nil {
		if !errors.Is(err, ephemeral.ErrNotFound) {
			s.logger.Warn("oauth_tombstone_lookup_failed", "error", err)
		}
		return protocolErr(CodeInvalidGrant, "code is invalid or expired")
	}

	s.audit.Log(ctx, audit.ActionOAuthCodeReplay, audit.LogParams{
		TargetID: client.ID,
		Metadata: map[string]interface{}{"refresh_jti": jti},
	})
	s.logger.Warn("oauth_code_replay_detected", "client_id", client.ID)
	s.revokeGrantChain(ctx, jti)

	return protocolErr(CodeInvalidGrant, "code has already been used")
}

// revokeGrantChain follows rotations from the refresh jti issued at code
// redemption and kills the live tail. The chain is short inside the
// tombstone window; the cap only guards a corrupted ledger.
func (s *Server) revokeGrantChain(ctx context.Context, jti string) {
	for i := 0; i < 32; i++ {
		rec, err := s.store.GetRefreshToken(ctx, jti)
		if err != nil {
			return
		}
		if rec.RotatedTo != nil {
			jti = *rec.RotatedTo
			continue
		}
		if rec.RevokedAt == nil {
			if err := s.blacklist.Revoke(ctx, jti, time.Until(rec.ExpiresAt)); err != nil {
				s.logger.Warn("blacklist_revoke_failed", "jti", jti, "error", err)
			}
			if err := s.store.RevokeRefreshToken(ctx, jti); err != nil {
				s.logger.Warn("refresh_revoke_failed", "jti", jti, "error", err)
			}
		}
		return
	}
	s.logger.Warn("oauth_grant_chain_too_deep", "jti", jti)
}

// exchangeRefresh rotates an OAuth refresh token. The mechanics mirror
// the session refresh flow, including the replay cascade; the extra
// rules here are the client binding and scope narrowing.
func (s *Server) exchangeRefresh(ctx context.Context, client storage.OAuthClient, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, protocolErr(CodeInvalidRequest, "refresh_token is required")
	}

	claims, err := s.minter.Verify(ctx, req.RefreshToken, auth.KindRefresh)
	if err != nil {
		if errors.Is(err, auth.ErrRevokedToken) && claims != nil {
			return nil, s.handleRevokedRefresh(ctx, client, claims)
		}
		return nil, protocolErr(CodeInvalidGrant, "refresh token is invalid or expired")
	}

	// Session refresh tokens rotate at /auth/refresh; this endpoint only
	// takes tokens minted for the authenticated client.
	if claims.ClientID != client.ID {
		return nil, protocolErr(CodeInvalidGrant, "refresh token was not issued to this client")
	}

	record, err := s.store.GetRefreshToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocolErr(CodeInvalidGrant, "refresh token is not recognized")
		}
		return nil, fmt.Errorf("oauth: loading refresh token: %w", err)
	}
	if record.RevokedAt != nil {
		if record.RotatedTo != nil {
			return nil, s.punishReplay(ctx, client, claims)
		}
		return nil, protocolErr(CodeInvalidGrant, "refresh token has been revoked")
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocolErr(CodeInvalidGrant, "account no longer exists")
		}
		return nil, fmt.Errorf("oauth: loading user: %w", err)
	}
	if !user.Active {
		return nil, protocolErr(CodeInvalidGrant, "account is inactive")
	}

	// Scope may only narrow on refresh.
	scope := claims.Scope
	if requested := parseScope(req.Scope); len(requested) > 0 {
		if !scopeSubset(requested, parseScope(claims.Scope)) {
			return nil, protocolErr(CodeInvalidScope, "scope may only narrow on refresh")
		}
		scope = joinScope(requested)
	}

	newRefresh, err := s.minter.MintOAuthRefresh(user.ID, client.ID, scope)
	if err != nil {
		return nil, fmt.Errorf("oauth: minting refresh token: %w", err)
	}

	// Kill the old token before the new one is persisted. A failure
	// after this point strands the grant, never duplicates it.
	if err := s.blacklist.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return nil, fmt.Errorf("oauth: blacklisting token: %w", err)
	}
	if err := s.store.RotateRefreshToken(ctx, claims.ID, newRefresh.JTI); err != nil {
		return nil, fmt.Errorf("oauth: rotating refresh token: %w", err)
	}
	if err := s.store.RecordRefreshToken(ctx, storage.RefreshTokenRecord{
		JTI:       newRefresh.JTI,
		UserID:    user.ID,
		OrgID:     record.OrgID,
		IssuedAt:  newRefresh.IssuedAt,
		ExpiresAt: newRefresh.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("oauth: recording refresh token: %w", err)
	}

	access, err := s.minter.MintOAuthAccess(user.ID.String(), client.ID, scope)
	if err != nil {
		return nil, fmt.Errorf("oauth: minting access token: %w", err)
	}

	s.audit.Log(ctx, audit.ActionOAuthTokenIssued, audit.LogParams{
		ActorID:  &user.ID,
		TargetID: client.ID,
		Metadata: map[string]interface{}{"grant_type": GrantRefreshToken, "scope": scope},
	})

	return tokenResponse(access, newRefresh.Token, scope), nil
}

// handleRevokedRefresh decides what a blacklisted refresh token means:
// replay of a rotated jti burns the chain, anything else is a plain
// rejection.
func (s *Server) handleRevokedRefresh(ctx context.Context, client storage.OAuthClient, claims *auth.Claims) error {
	record, err := s.store.GetRefreshToken(ctx, claims.ID)
	if err != nil || record.RotatedTo == nil {
		return protocolErr(CodeInvalidGrant, "refresh token has been revoked")
	}
	return s.punishReplay(ctx, client, claims)
}

// punishReplay mirrors the session flow: a rotated refresh jti showing
// up again burns every live refresh token its user holds.
func (s *Server) punishReplay(ctx context.Context, client storage.OAuthClient, claims *auth.Claims) error {
	userID, err := claims.UserID()
	if err != nil {
		return protocolErr(CodeInvalidGrant, "refresh token has been revoked")
	}

	s.audit.Log(ctx, audit.ActionRefreshReplay, audit.LogParams{
		ActorID:  &userID,
		TargetID: client.ID,
		Metadata: map[string]interface{}{"jti": claims.ID},
	})

	revoked, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("oauth: revoking sessions: %w", err)
	}
	for _, rec := range revoked {
		if err := s.blacklist.Revoke(ctx, rec.JTI, time.Until(rec.ExpiresAt)); err != nil {
			s.logger.Warn("blacklist_revoke_failed", "jti", rec.JTI, "error", err)
		}
	}

	s.logger.Warn("refresh_replay_detected", "user_id", userID, "client_id", client.ID, "sessions_revoked", len(revoked))
	return protocolErr(CodeInvalidGrant, "refresh token reuse detected; all sessions revoked")
}

// exchangeClientCredentials issues a service-to-service access token.
// There is no user and no refresh token; resource servers recognize the
// principal by the bare client_id claim.
func (s *Server) exchangeClientCredentials(ctx context.Context, client storage.OAuthClient, req TokenRequest) (*TokenResponse, error) {
	if client.SecretHash == nil {
		return nil, protocolErr(CodeUnauthorizedClient, "client_credentials requires a confidential client")
	}

	scopes := parseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !scopeSubset(scopes, client.Scopes) {
		return nil, protocolErr(CodeInvalidScope, "requested scope exceeds the client's allowed scopes")
	}
	scope := joinScope(scopes)

	access, err := s.minter.MintOAuthAccess("", client.ID, scope)
	if err != nil {
		return nil, fmt.Errorf("oauth: minting access token: %w", err)
	}

	s.audit.Log(ctx, audit.ActionOAuthTokenIssued, audit.LogParams{
		TargetID: client.ID,
		Metadata: map[string]interface{}{"grant_type": GrantClientCredentials, "scope": scope},
	})

	return tokenResponse(access, "", scope), nil
}

// Revoke invalidates the presented token. Per RFC 7009 the endpoint is
// idempotent: unknown, expired, and already-revoked tokens all succeed.
// Only an infrastructure fault is an error.
func (s *Server) Revoke(ctx context.Context, token string) error {
	claims := s.parseForRevocation(ctx, token)
	if claims == nil {
		return nil
	}

	if err := s.blacklist.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return fmt.Errorf("oauth: blacklisting token: %w", err)
	}
	if claims.Kind == auth.KindRefresh {
		if err := s.store.RevokeRefreshToken(ctx, claims.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("oauth: revoking refresh token: %w", err)
		}
	}

	params := audit.LogParams{Metadata: map[string]interface{}{"kind": string(claims.Kind)}}
	if claims.ClientID != "" {
		params.TargetID = claims.ClientID
	}
	if userID, err := claims.UserID(); err == nil {
		params.ActorID = &userID
	}
	s.audit.Log(ctx, audit.ActionOAuthTokenRevoked, params)
	return nil
}

// parseForRevocation tries the token as refresh then access. A token
// that is already dead in any way comes back nil.
func (s *Server) parseForRevocation(ctx context.Context, token string) *auth.Claims {
	for _, kind := range []auth.TokenKind{auth.KindRefresh, auth.KindAccess} {
		claims, err := s.minter.Verify(ctx, token, kind)
		if err == nil {
			return claims
		}
		if errors.Is(err, auth.ErrRevokedToken) {
			return nil
		}
	}
	return nil
}
