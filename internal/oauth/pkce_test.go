package oauth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Vector from RFC 7636 appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestChallengeS256(t *testing.T) {
	assert.Equal(t, rfcChallenge, ChallengeS256(rfcVerifier))
}

func TestVerifyPKCE(t *testing.T) {
	longVerifier := strings.Repeat("a", 128)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{"s256 match", rfcVerifier, rfcChallenge, MethodS256, true},
		{"s256 wrong verifier", strings.Repeat("b", 43), rfcChallenge, MethodS256, false},
		{"plain match", rfcVerifier, rfcVerifier, MethodPlain, true},
		{"plain mismatch", rfcVerifier, strings.Repeat("c", 43), MethodPlain, false},
		{"unknown method", rfcVerifier, rfcChallenge, "S512", false},
		{"empty challenge", rfcVerifier, "", MethodS256, false},
		{"verifier too short", strings.Repeat("a", 42), ChallengeS256(strings.Repeat("a", 42)), MethodS256, false},
		{"verifier too long", longVerifier + "a", ChallengeS256(longVerifier + "a"), MethodS256, false},
		{"verifier at max", longVerifier, ChallengeS256(longVerifier), MethodS256, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyPKCE(tt.verifier, tt.challenge, tt.method))
		})
	}
}
