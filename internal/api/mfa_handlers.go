package api

import (
	"fmt"
	"net/http"

	"github.com/praxisworks/gatewarden/internal/api/helpers"
)

type totpSetupResponse struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	setup, err := s.auth.SetupTOTP(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, totpSetupResponse{
		Secret:      setup.Secret,
		OTPAuthURL:  setup.QRPayload,
		BackupCodes: setup.BackupCodes,
	})
}

type totpVerifyRequest struct {
	Code string `json:"code"`
}

func (req *totpVerifyRequest) Validate() error {
	if req.Code == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req totpVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.ConfirmTOTP(r.Context(), userID, req.Code); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "two-factor authentication enabled"})
}

type totpDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (req *totpDisableRequest) Validate() error {
	if req.Password == "" || req.Code == "" {
		return fmt.Errorf("password and code are required")
	}
	return nil
}

func (s *Server) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req totpDisableRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, helpers.KindValidationError, err.Error())
		return
	}

	if err := s.auth.DisableTOTP(r.Context(), userID, req.Password, req.Code); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, messageResponse{Message: "two-factor authentication disabled"})
}
