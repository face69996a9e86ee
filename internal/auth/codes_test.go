package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken(32)
	require.NoError(t, err)
	b, err := GenerateSecureToken(32)
	require.NoError(t, err)

	assert.Len(t, a, 44) // 32 bytes, base64 with padding
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := generateNumericCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6, "zero padding must hold")
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}

	eight, err := generateNumericCode(8)
	require.NoError(t, err)
	assert.Len(t, eight, 8)
}

func TestHashTokenIsDeterministic(t *testing.T) {
	assert.Equal(t, hashToken("abc"), hashToken("abc"))
	assert.NotEqual(t, hashToken("abc"), hashToken("abd"))
	assert.Len(t, hashToken("abc"), 64)
	assert.NotContains(t, hashToken("secret-token"), "secret-token")
}
