package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error kinds carried in the "error" field of every failure response.
// Clients branch on these, never on the message text.
const (
	KindInvalidCredentials    = "invalid_credentials"
	KindAccountNotVerified    = "account_not_verified"
	KindAccountInactive       = "account_inactive"
	KindRateLimited           = "rate_limited"
	KindTokenInvalid          = "token_invalid"
	KindTokenRevoked          = "token_revoked"
	KindPermissionDenied      = "permission_denied"
	KindNotMember             = "not_member"
	KindValidationError       = "validation_error"
	KindDependencyUnavailable = "dependency_unavailable"
	KindReplayDetected        = "replay_detected"
	KindConflict              = "conflict"
)

// ErrorBody is the uniform failure payload.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("response_encode_failed", "error", err)
	}
}

// RespondError writes a failure response. kind is one of the Kind
// constants; message is optional human-readable detail and must never
// carry secrets or account-existence hints.
func RespondError(w http.ResponseWriter, status int, kind, message string) {
	RespondJSON(w, status, ErrorBody{Error: kind, Message: message})
}
