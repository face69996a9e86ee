package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE challenge methods (RFC 7636).
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 §4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// ChallengeS256 derives the S256 code challenge for a verifier:
// base64url without padding over the SHA-256 digest.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func validMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}

// VerifyPKCE checks a code verifier against the challenge the client
// committed to at authorization time. The comparison is constant-time
// either way, so a mismatch reveals nothing about the challenge.
func VerifyPKCE(verifier, challenge, method string) bool {
	if challenge == "" {
		return false
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}

	var derived string
	switch method {
	case MethodS256:
		derived = ChallengeS256(verifier)
	case MethodPlain:
		derived = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
