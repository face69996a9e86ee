package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/notify"
)

func TestRegisterCreatesUnverifiedUser(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.svc.Register(ctx, "Ada@Example.COM ", testPassword)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.UserID)
	require.NotEmpty(t, res.VerificationToken)

	user, err := env.store.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.False(t, user.EmailVerified)
	assert.Nil(t, user.VerifiedAt)
	assert.True(t, user.Active)
	assert.NotEqual(t, testPassword, user.PasswordHash)

	msg := env.mail.waitFor(t, notify.TemplateEmailVerification)
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, res.VerificationToken, msg.Data["token"])
	assert.Len(t, msg.Data["code"], 6)
}

func TestRegisterDuplicateLooksLikeSuccess(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first, err := env.svc.Register(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	env.mail.waitFor(t, notify.TemplateEmailVerification)

	second, err := env.svc.Register(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, second.UserID)
	assert.Empty(t, second.VerificationToken)
	assert.NotEqual(t, first.UserID, second.UserID)

	// No second email went out.
	assert.Equal(t, 1, env.mail.count())
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.svc.Register(context.Background(), "ada@example.com", "password123")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = env.store.GetUserByEmail(context.Background(), "ada@example.com")
	assert.Error(t, err)
}

func TestVerifyEmail(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.svc.Register(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	code := env.mail.waitFor(t, notify.TemplateEmailVerification).Data["code"]

	require.NoError(t, env.svc.VerifyEmail(ctx, res.VerificationToken, code))

	user, err := env.store.GetUserByID(ctx, res.UserID)
	require.NoError(t, err)
	assert.True(t, user.EmailVerified)
	require.NotNil(t, user.VerifiedAt)

	// Token and reverse key are gone.
	_, err = env.eph.Get(ctx, verifyUserKey(res.UserID))
	assert.ErrorIs(t, err, ephemeral.ErrNotFound)
	err = env.svc.VerifyEmail(ctx, res.VerificationToken, code)
	assert.ErrorIs(t, err, ErrInvalidVerification)
}

func TestVerifyEmailWrongCodeLocksOut(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.svc.Register(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	code := env.mail.waitFor(t, notify.TemplateEmailVerification).Data["code"]
	wrong := wrongCode(code)

	for i := 0; i < maxAttempts-1; i++ {
		err = env.svc.VerifyEmail(ctx, res.VerificationToken, wrong)
		assert.ErrorIs(t, err, ErrInvalidVerification)
	}
	err = env.svc.VerifyEmail(ctx, res.VerificationToken, wrong)
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	err = env.svc.VerifyEmail(ctx, res.VerificationToken, code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerifyEmailUnknownToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.svc.VerifyEmail(context.Background(), "bogus-token", "123456")
	assert.ErrorIs(t, err, ErrInvalidVerification)
}

func TestResendVerificationRetiresOldToken(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.svc.Register(ctx, "ada@example.com", testPassword)
	require.NoError(t, err)
	env.mail.waitFor(t, notify.TemplateEmailVerification)

	require.NoError(t, env.svc.ResendVerification(ctx, "ada@example.com"))
	fresh := env.mail.waitFor(t, notify.TemplateEmailVerification)
	require.NotEqual(t, res.VerificationToken, fresh.Data["token"])

	// Old token is dead, new one verifies.
	err = env.svc.VerifyEmail(ctx, res.VerificationToken, fresh.Data["code"])
	assert.ErrorIs(t, err, ErrInvalidVerification)
	require.NoError(t, env.svc.VerifyEmail(ctx, fresh.Data["token"], fresh.Data["code"]))
}

func TestResendVerificationIsSilentForUnknownOrVerified(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	require.NoError(t, env.svc.ResendVerification(ctx, "ghost@example.com"))
	assert.Equal(t, 0, env.mail.count())

	env.seedUser(t, "done@example.com")
	require.NoError(t, env.svc.ResendVerification(ctx, "done@example.com"))
	assert.Equal(t, 0, env.mail.count())
}
