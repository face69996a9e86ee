package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/auth"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// AuthorizeRequest carries a validated user through the authorization
// endpoint. UserID comes from the bearer token, never from the form.
type AuthorizeRequest struct {
	UserID uuid.UUID
	OrgID  *uuid.UUID

	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Approve is set by the consent form submission. It has no effect
	// when the client needs no consent or a covering grant exists.
	Approve bool
}

// AuthorizeResult is either a redirect carrying the code or a consent
// prompt for the transport to render.
type AuthorizeResult struct {
	RedirectTo string

	ConsentRequired bool
	ClientName      string
	Scope           string
}

// codeBinding is the JSON value stored under oauth_code:{code}. The
// token endpoint checks every field against the exchange request before
// tokens are minted.
type codeBinding struct {
	ClientID    string     `json:"client_id"`
	UserID      uuid.UUID  `json:"user_id"`
	OrgID       *uuid.UUID `json:"org_id,omitempty"`
	RedirectURI string     `json:"redirect_uri"`
	Scope       string     `json:"scope"`
	Challenge   string     `json:"challenge,omitempty"`
	Method      string     `json:"method,omitempty"`
}

// Authorize validates an authorization request, walks the consent gate,
// and mints a single-use code bound to everything the request asserted.
// Validation failures never redirect; the error goes back to the caller
// directly so an unregistered redirect_uri cannot be used as a bounce.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := s.store.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protocolErr(CodeInvalidRequest, "unknown client")
		}
		return nil, fmt.Errorf("oauth: loading client: %w", err)
	}

	if !containsString(client.RedirectURIs, req.RedirectURI) {
		return nil, protocolErr(CodeInvalidRequest, "redirect_uri is not registered for this client")
	}
	if req.ResponseType != ResponseTypeCode {
		return nil, protocolErr(CodeUnsupportedResponseType, "only response_type=code is supported")
	}
	if !containsString(client.GrantTypes, GrantAuthorizationCode) {
		return nil, protocolErr(CodeUnauthorizedClient, "client may not use the authorization_code grant")
	}

	requested := parseScope(req.Scope)
	if len(requested) == 0 {
		requested = client.Scopes
	} else if !scopeSubset(requested, client.Scopes) {
		return nil, protocolErr(CodeInvalidScope, "requested scope exceeds the client's allowed scopes")
	}

	challenge, method := req.CodeChallenge, req.CodeChallengeMethod
	if challenge == "" && client.RequirePKCE {
		return nil, protocolErr(CodeInvalidRequest, "code_challenge is required for this client")
	}
	if challenge != "" {
		if method == "" {
			// RFC 7636 §4.3: absent method means plain.
			method = MethodPlain
		}
		if !validMethod(method) {
			return nil, protocolErr(CodeInvalidRequest, "unsupported code_challenge_method")
		}
		if len(challenge) < minVerifierLength || len(challenge) > maxVerifierLength {
			return nil, protocolErr(CodeInvalidRequest, "code_challenge must be 43-128 characters")
		}
	}

	if client.RequireConsent {
		covered, err := s.consentCovers(ctx, req.UserID, client.ID, requested)
		if err != nil {
			return nil, err
		}
		if !covered {
			if !req.Approve {
				return &AuthorizeResult{
					ConsentRequired: true,
					ClientName:      client.Name,
					Scope:           joinScope(requested),
				}, nil
			}
			if err := s.grantConsent(ctx, req.UserID, client.ID, requested); err != nil {
				return nil, err
			}
		}
	}

	return s.issueCode(ctx, client, req, requested, challenge, method)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// consentCovers reports whether an existing consent grant already spans
// the requested scopes. A broader past grant satisfies a narrower
// request.
func (s *Server) consentCovers(ctx context.Context, userID uuid.UUID, clientID string, requested []string) (bool, error) {
	consent, err := s.store.GetConsent(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("oauth: loading consent: %w", err)
	}
	return scopeSubset(requested, consent.Scopes), nil
}

// grantConsent persists the approval, merged with whatever the user had
// already granted this client.
func (s *Server) grantConsent(ctx context.Context, userID uuid.UUID, clientID string, requested []string) error {
	scopes := requested
	if prior, err := s.store.GetConsent(ctx, userID, clientID); err == nil {
		scopes = unionScope(prior.Scopes, requested)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("oauth: loading consent: %w", err)
	}

	if err := s.store.UpsertConsent(ctx, storage.Consent{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("oauth: saving consent: %w", err)
	}

	s.audit.Log(ctx, audit.ActionConsentGranted, audit.LogParams{
		ActorID:  &userID,
		TargetID: clientID,
		Metadata: map[string]interface{}{"scope": joinScope(scopes)},
	})
	return nil
}

// issueCode mints the single-use authorization code and builds the
// redirect carrying it.
func (s *Server) issueCode(ctx context.Context, client storage.OAuthClient, req AuthorizeRequest, scopes []string, challenge, method string) (*AuthorizeResult, error) {
	code, err := auth.GenerateSecureToken(32)
	if err != nil {
		return nil, fmt.Errorf("oauth: generating code: %w", err)
	}

	binding, err := json.Marshal(codeBinding{
		ClientID:    client.ID,
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		RedirectURI: req.RedirectURI,
		Scope:       joinScope(scopes),
		Challenge:   challenge,
		Method:      method,
	})
	if err != nil {
		return nil, fmt.Errorf("oauth: encoding code binding: %w", err)
	}
	if err := s.ephemeral.SetWithTTL(ctx, codeKey(code), string(binding), codeTTL); err != nil {
		return nil, fmt.Errorf("oauth: storing code: %w", err)
	}

	s.audit.Log(ctx, audit.ActionOAuthCodeIssued, audit.LogParams{
		ActorID:  &req.UserID,
		TargetID: client.ID,
		Metadata: map[string]interface{}{"scope": joinScope(scopes)},
	})

	// The uri was validated at registration and matched exactly above,
	// so a parse failure here means corrupted registration data.
	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("oauth: parsing redirect uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()

	return &AuthorizeResult{RedirectTo: u.String()}, nil
}
