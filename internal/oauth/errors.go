package oauth

import "net/http"

// RFC 6749 §5.2 error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
)

// Error is an OAuth protocol error. It marshals to the RFC 6749 wire
// shape, so handlers write it to the response body as-is.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Status is the HTTP status the error must be served with. Failed client
// authentication is 401 per §5.2; every other protocol error is 400.
func (e *Error) Status() int {
	if e.Code == CodeInvalidClient {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

func protocolErr(code, description string) *Error {
	return &Error{Code: code, Description: description}
}
