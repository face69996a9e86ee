package api

import (
	"net/http"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
	"github.com/praxisworks/gatewarden/internal/api/middleware"
	"github.com/praxisworks/gatewarden/internal/oauth"
)

func (s *Server) handleOAuthMetadata(w http.ResponseWriter, r *http.Request) {
	helpers.RespondJSON(w, http.StatusOK, s.oauth.Metadata())
}

// authorizeBody is the consent form submission. The client parameters
// are repeated so the approval is for exactly the request the user saw.
type authorizeBody struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Approve             bool   `json:"approve,omitempty"`
}

type consentResponse struct {
	ConsentRequired bool   `json:"consent_required"`
	ClientName      string `json:"client_name"`
	Scope           string `json:"scope"`
}

// handleOAuthAuthorize runs the code grant for the authenticated user.
// GET reads the protocol parameters from the query; POST carries them
// in a JSON body together with the consent approval. Success is a 302
// to the client's redirect URI; errors stay on this origin as JSON.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	orgID, _ := middleware.GetOrgID(r.Context())

	req := oauth.AuthorizeRequest{UserID: userID, OrgID: orgID}
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.ClientID = q.Get("client_id")
		req.RedirectURI = q.Get("redirect_uri")
		req.ResponseType = q.Get("response_type")
		req.Scope = q.Get("scope")
		req.State = q.Get("state")
		req.CodeChallenge = q.Get("code_challenge")
		req.CodeChallengeMethod = q.Get("code_challenge_method")
	} else {
		var body authorizeBody
		if err := helpers.DecodeJSON(r, &body); err != nil {
			helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
			return
		}
		req.ClientID = body.ClientID
		req.RedirectURI = body.RedirectURI
		req.ResponseType = body.ResponseType
		req.Scope = body.Scope
		req.State = body.State
		req.CodeChallenge = body.CodeChallenge
		req.CodeChallengeMethod = body.CodeChallengeMethod
		req.Approve = body.Approve
	}

	result, err := s.oauth.Authorize(r.Context(), req)
	if err != nil {
		s.respondOAuthError(w, r, err)
		return
	}

	if result.ConsentRequired {
		helpers.RespondJSON(w, http.StatusOK, consentResponse{
			ConsentRequired: true,
			ClientName:      result.ClientName,
			Scope:           result.Scope,
		})
		return
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if oerr := oauth.RequireFormEncoded(r); oerr != nil {
		helpers.RespondJSON(w, oerr.Status(), oerr)
		return
	}
	clientID, clientSecret, oerr := oauth.ExtractClientCredentials(r)
	if oerr != nil {
		helpers.RespondJSON(w, oerr.Status(), oerr)
		return
	}

	resp, err := s.oauth.Exchange(r.Context(), oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		s.respondOAuthError(w, r, err)
		return
	}

	s.metrics.TokensIssued.WithLabelValues("oauth_access").Inc()
	if resp.RefreshToken != "" {
		s.metrics.TokensIssued.WithLabelValues("oauth_refresh").Inc()
	}

	// RFC 6749 §5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	helpers.RespondJSON(w, http.StatusOK, resp)
}

// handleOAuthRevoke answers 200 whether or not the token was live, per
// RFC 7009. Only a store fault changes that.
func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if oerr := oauth.RequireFormEncoded(r); oerr != nil {
		helpers.RespondJSON(w, oerr.Status(), oerr)
		return
	}

	if err := s.oauth.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		s.logger.Error("oauth_revoke_failed", "error", err)
		helpers.RespondError(w, http.StatusServiceUnavailable, helpers.KindDependencyUnavailable, "service temporarily unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type registerClientRequest struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	RequirePKCE  bool     `json:"require_pkce,omitempty"`
	FirstParty   bool     `json:"first_party,omitempty"`
}

func (s *Server) handleRegisterOAuthClient(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.requirePermission(w, r, userID, "clients:manage") {
		return
	}

	var req registerClientRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	registered, err := s.oauth.RegisterClient(r.Context(), &userID, oauth.RegisterClientInput{
		ClientID:     req.ClientID,
		Name:         req.Name,
		Type:         req.Type,
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
		GrantTypes:   req.GrantTypes,
		RequirePKCE:  req.RequirePKCE,
		FirstParty:   req.FirstParty,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, oauthClientFrom(registered.Client, registered.Secret))
}

func (s *Server) handleListOAuthClients(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if !s.requirePermission(w, r, userID, "clients:read") {
		return
	}

	clients, err := s.oauth.ListClients(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	out := make([]oauthClientResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, oauthClientFrom(c, ""))
	}
	helpers.RespondJSON(w, http.StatusOK, out)
}
