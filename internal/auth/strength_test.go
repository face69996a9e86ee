package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBreach struct {
	count int
	err   error
	seen  []string
}

func (s *stubBreach) Count(_ context.Context, password string) (int, error) {
	s.seen = append(s.seen, password)
	return s.count, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPolicyRejectsWeakPasswords(t *testing.T) {
	policy := NewPasswordPolicy(3, nil, discardLogger())
	ctx := context.Background()

	for _, pw := range []string{"password123", "qwerty", "12345678", "letmein!"} {
		assert.ErrorIs(t, policy.Validate(ctx, pw), ErrWeakPassword, "password %q", pw)
	}

	require.NoError(t, policy.Validate(ctx, testPassword))
}

func TestPolicyUsesUserInputs(t *testing.T) {
	policy := NewPasswordPolicy(3, nil, discardLogger())
	ctx := context.Background()

	const derived = "MontgomeryBurns-Excellent-1886"
	require.NoError(t, policy.Validate(ctx, derived))
	assert.ErrorIs(t, policy.Validate(ctx, derived, derived), ErrWeakPassword)
}

func TestPolicyRejectsBreachedPassword(t *testing.T) {
	breach := &stubBreach{count: 42}
	policy := NewPasswordPolicy(3, breach, discardLogger())

	err := policy.Validate(context.Background(), testPassword)
	assert.ErrorIs(t, err, ErrBreachedPassword)
	assert.Equal(t, []string{testPassword}, breach.seen)
}

func TestPolicyDegradesOpenOnBreachOutage(t *testing.T) {
	breach := &stubBreach{err: errors.New("upstream timeout")}
	policy := NewPasswordPolicy(3, breach, discardLogger())

	require.NoError(t, policy.Validate(context.Background(), testPassword))
}

func TestPolicySkipsBreachForWeakPassword(t *testing.T) {
	breach := &stubBreach{count: 1}
	policy := NewPasswordPolicy(3, breach, discardLogger())

	err := policy.Validate(context.Background(), "password123")
	assert.ErrorIs(t, err, ErrWeakPassword)
	assert.Empty(t, breach.seen)
}

func TestPolicyLengthCap(t *testing.T) {
	policy := NewPasswordPolicy(3, nil, discardLogger())
	err := policy.Validate(context.Background(), strings.Repeat("x", maxPasswordBytes+1))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}
