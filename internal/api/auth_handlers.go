package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
	"github.com/praxisworks/gatewarden/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req *registerRequest) Validate() error {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("a valid email is required")
	}
	if req.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

// registerResponse always carries the same message; user_id and
// verification_token are present only when an account was actually
// created. The token is returned so clients can drive verification
// without an inbox.
type registerResponse struct {
	Message           string `json:"message"`
	UserID            string `json:"user_id,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	result, err := s.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	resp := registerResponse{Message: "check your email for a verification code"}
	if result.UserID != uuid.Nil {
		resp.UserID = result.UserID.String()
		resp.VerificationToken = result.VerificationToken
	}
	helpers.RespondJSON(w, http.StatusOK, resp)
}

type verifyCodeRequest struct {
	VerificationToken string `json:"verification_token"`
	Code              string `json:"code"`
}

func (req *verifyCodeRequest) Validate() error {
	if req.VerificationToken == "" || req.Code == "" {
		return fmt.Errorf("verification_token and code are required")
	}
	return nil
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.VerifyEmail(r.Context(), req.VerificationToken, req.Code); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "email verified"})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (req *emailRequest) Validate() error {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("a valid email is required")
	}
	return nil
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.ResendVerification(r.Context(), req.Email); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "if the account needs verification, an email has been sent"})
}

// loginRequest covers every step of the login conversation. Which
// fields matter depends on where the caller is: email and password
// start it, pre_auth_token plus a code resumes it.
type loginRequest struct {
	Email        string `json:"email,omitempty"`
	Password     string `json:"password,omitempty"`
	Code         string `json:"code,omitempty"`
	TOTPCode     string `json:"totp_code,omitempty"`
	BackupCode   string `json:"backup_code,omitempty"`
	PreAuthToken string `json:"pre_auth_token,omitempty"`
	OrgID        string `json:"org_id,omitempty"`
}

func (req *loginRequest) Validate() error {
	if req.PreAuthToken != "" {
		return nil
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("a valid email is required")
	}
	if req.Password == "" {
		return fmt.Errorf("password is required")
	}
	return nil
}

// loginResponse covers both the intermediate steps and the terminal
// token pair; unset fields are omitted.
type loginResponse struct {
	RequiresCode         bool `json:"requires_code,omitempty"`
	RequiresTOTP         bool `json:"requires_totp,omitempty"`
	RequiresOrgSelection bool `json:"requires_org_selection,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"`
	UserToken string `json:"user_token,omitempty"`

	Organizations []organizationResponse `json:"organizations,omitempty"`

	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	OrgID        *uuid.UUID `json:"org_id,omitempty"`
}

func loginResponseFrom(res *auth.LoginResult) loginResponse {
	resp := loginResponse{
		RequiresCode:         res.RequiresCode,
		RequiresTOTP:         res.RequiresTOTP,
		RequiresOrgSelection: res.RequiresOrgSelection,
		ExpiresIn:            res.ExpiresIn,
		UserToken:            res.UserToken,
		Organizations:        organizationsFrom(res.Organizations),
	}
	if res.UserID != uuid.Nil && res.Tokens == nil {
		resp.UserID = res.UserID.String()
	}
	if res.Tokens != nil {
		resp.AccessToken = res.Tokens.AccessToken
		resp.RefreshToken = res.Tokens.RefreshToken
		resp.OrgID = res.Tokens.OrgID
	}
	return resp
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	totpCode := req.TOTPCode
	if totpCode == "" {
		totpCode = req.BackupCode
	}

	result, err := s.auth.Login(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		Code:      req.Code,
		TOTPCode:  totpCode,
		OrgID:     req.OrgID,
		UserToken: req.PreAuthToken,
	})
	if err != nil {
		s.metrics.Logins.WithLabelValues("failure").Inc()
		s.respondLoginError(w, r, err)
		return
	}

	if result.Tokens != nil {
		s.metrics.Logins.WithLabelValues("success").Inc()
		s.metrics.TokensIssued.WithLabelValues("access").Inc()
		s.metrics.TokensIssued.WithLabelValues("refresh").Inc()
	}
	helpers.RespondJSON(w, http.StatusOK, loginResponseFrom(result))
}

// respondLoginError collapses everything a half-finished login can
// reveal into invalid_credentials. Only the throttle and the
// post-password verification gate speak with their own voice.
func (s *Server) respondLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		helpers.RespondError(w, http.StatusTooManyRequests, helpers.KindRateLimited, "too many attempts, try again later")
	case errors.Is(err, auth.ErrAccountNotVerified):
		helpers.RespondError(w, http.StatusForbidden, helpers.KindAccountNotVerified, "verify your email address first")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrRevokedToken),
		errors.Is(err, auth.ErrInvalidTOTPCode):
		helpers.RespondError(w, http.StatusUnauthorized, helpers.KindInvalidCredentials, "invalid credentials")
	default:
		s.respondServiceError(w, r, err)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (req *refreshRequest) Validate() error {
	if req.RefreshToken == "" {
		return fmt.Errorf("refresh_token is required")
	}
	return nil
}

type tokenPairResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	OrgID        *uuid.UUID `json:"org_id,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	s.metrics.TokensIssued.WithLabelValues("access").Inc()
	s.metrics.TokensIssued.WithLabelValues("refresh").Inc()
	helpers.RespondJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		OrgID:        pair.OrgID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (s *Server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "if the account exists, a reset code has been sent"})
}

type resetPasswordRequest struct {
	ResetToken  string `json:"reset_token"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

func (req *resetPasswordRequest) Validate() error {
	if req.ResetToken == "" || req.Code == "" {
		return fmt.Errorf("reset_token and code are required")
	}
	if req.NewPassword == "" {
		return fmt.Errorf("new_password is required")
	}
	return nil
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.ResetPassword(r.Context(), req.ResetToken, req.Code, req.NewPassword); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "password has been reset, sign in again"})
}
