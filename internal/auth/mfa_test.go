package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTOTP(t *testing.T) {
	env := newTestEnv(t, Config{TOTPIssuer: "gatewarden"})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")

	setup, err := env.svc.SetupTOTP(ctx, user.ID)
	require.NoError(t, err)

	assert.NotEmpty(t, setup.Secret)
	assert.True(t, strings.HasPrefix(setup.QRPayload, "otpauth://totp/"))
	assert.Contains(t, setup.QRPayload, "issuer=gatewarden")
	assert.Contains(t, setup.QRPayload, "ada@example.com")
	assert.Contains(t, setup.QRPayload, "secret="+setup.Secret)

	require.Len(t, setup.BackupCodes, backupCodeCount)
	seen := make(map[string]bool)
	for _, code := range setup.BackupCodes {
		require.Len(t, code, backupCodeDigits)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
		require.False(t, seen[code], "backup codes must be distinct")
		seen[code] = true
	}

	stored, err := env.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.TOTPPending)
	assert.False(t, stored.TOTPEnabled)
	require.NotNil(t, stored.TOTPSecret)
	// Only the sealed form reaches storage.
	assert.True(t, strings.HasPrefix(*stored.TOTPSecret, "enc:"))
	assert.NotContains(t, *stored.TOTPSecret, setup.Secret)
}

func TestSetupTOTPRejectedWhenEnabled(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	enableTOTP(t, env, "ada@example.com")

	_, err := env.svc.SetupTOTP(ctx, user.ID)
	assert.ErrorIs(t, err, ErrTwoFactorEnabled)
}

func TestSetupTOTPRestartsPendingEnrollment(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")

	first, err := env.svc.SetupTOTP(ctx, user.ID)
	require.NoError(t, err)
	second, err := env.svc.SetupTOTP(ctx, user.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	// Codes from the abandoned enrollment no longer confirm.
	oldCode, err := totp.GenerateCode(first.Secret, time.Now())
	require.NoError(t, err)
	err = env.svc.ConfirmTOTP(ctx, user.ID, oldCode)
	assert.ErrorIs(t, err, ErrInvalidTOTPCode)

	newCode, err := totp.GenerateCode(second.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmTOTP(ctx, user.ID, newCode))
}

func TestConfirmTOTPWithoutSetup(t *testing.T) {
	env := newTestEnv(t, Config{})
	user := env.seedUser(t, "ada@example.com")

	err := env.svc.ConfirmTOTP(context.Background(), user.ID, "123456")
	assert.ErrorIs(t, err, ErrSetupNotPending)
}

func TestConfirmTOTPActivates(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")

	setup, err := env.svc.SetupTOTP(ctx, user.ID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmTOTP(ctx, user.ID, code))

	stored, err := env.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.TOTPEnabled)
	assert.False(t, stored.TOTPPending)

	// Confirming twice is rejected.
	err = env.svc.ConfirmTOTP(ctx, user.ID, code)
	assert.ErrorIs(t, err, ErrTwoFactorEnabled)
}

func TestConfirmTOTPWrongCodeLocksOut(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")

	_, err := env.svc.SetupTOTP(ctx, user.ID)
	require.NoError(t, err)

	for i := 0; i < maxAttempts-1; i++ {
		err = env.svc.ConfirmTOTP(ctx, user.ID, "000000")
		assert.ErrorIs(t, err, ErrInvalidTOTPCode)
	}
	err = env.svc.ConfirmTOTP(ctx, user.ID, "000000")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestDisableTOTP(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	setup := enableTOTP(t, env, "ada@example.com")

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.DisableTOTP(ctx, user.ID, testPassword, code))

	stored, err := env.store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.TOTPEnabled)
	assert.Nil(t, stored.TOTPSecret)

	// Login no longer gates on TOTP.
	res, err := env.svc.Login(ctx, LoginRequest{Email: "ada@example.com", Password: testPassword})
	require.NoError(t, err)
	assert.NotNil(t, res.Tokens)
}

func TestDisableTOTPWrongPassword(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	setup := enableTOTP(t, env, "ada@example.com")

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	err = env.svc.DisableTOTP(ctx, user.ID, "wrong-password", code)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisableTOTPRejectsBackupCode(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	setup := enableTOTP(t, env, "ada@example.com")

	err := env.svc.DisableTOTP(ctx, user.ID, testPassword, setup.BackupCodes[0])
	assert.ErrorIs(t, err, ErrInvalidTOTPCode)
}

func TestDisableTOTPWhenNotEnabled(t *testing.T) {
	env := newTestEnv(t, Config{})
	user := env.seedUser(t, "ada@example.com")

	err := env.svc.DisableTOTP(context.Background(), user.ID, testPassword, "123456")
	assert.ErrorIs(t, err, ErrTwoFactorNotEnabled)
}

func TestVerifyLoginCodeAcceptsAdjacentWindow(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.seedUser(t, "ada@example.com")
	setup := enableTOTP(t, env, "ada@example.com")
	user, err := env.store.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)

	// A code from the previous 30-second step still validates.
	code, err := totp.GenerateCode(setup.Secret, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	ok, err := env.svc.totp.VerifyLoginCode(ctx, user, code)
	require.NoError(t, err)
	assert.True(t, ok)

	// Two steps out is rejected.
	code, err = totp.GenerateCode(setup.Secret, time.Now().Add(-90*time.Second))
	require.NoError(t, err)
	ok, err = env.svc.totp.VerifyLoginCode(ctx, user, code)
	require.NoError(t, err)
	assert.False(t, ok)
}
