package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/gatewarden/internal/storage"
)

// loginPair runs a complete login and returns the issued tokens.
func loginPair(t *testing.T, env *testEnv, email string) *TokenPair {
	t.Helper()
	res, err := env.svc.Login(context.Background(), LoginRequest{Email: email, Password: testPassword})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	return res.Tokens
}

func TestRefreshRotatesTokens(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	org, err := env.store.CreateOrganization(ctx, "Acme", "acme", "", user.ID)
	require.NoError(t, err)

	pair := loginPair(t, env, "ada@example.com")
	require.NotNil(t, pair.OrgID)

	rotated, err := env.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	assert.NotEmpty(t, rotated.AccessToken)
	require.NotNil(t, rotated.OrgID)
	assert.Equal(t, org.ID, *rotated.OrgID)

	// The new token works; exactly one session stays live.
	_, err = env.svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, env.store.liveRefreshCount(user.ID))
}

func TestRefreshReplayBurnsEverySession(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")

	victim := loginPair(t, env, "ada@example.com")
	other := loginPair(t, env, "ada@example.com")
	require.Equal(t, 2, env.store.liveRefreshCount(user.ID))

	_, err := env.svc.Refresh(ctx, victim.RefreshToken)
	require.NoError(t, err)

	// Replaying the rotated token revokes everything the user holds.
	_, err = env.svc.Refresh(ctx, victim.RefreshToken)
	assert.ErrorIs(t, err, ErrReplayDetected)
	assert.Equal(t, 0, env.store.liveRefreshCount(user.ID))

	_, err = env.svc.Refresh(ctx, other.RefreshToken)
	assert.Error(t, err)
}

func TestRefreshReplayDetectedFromLedger(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	env.seedUser(t, "ada@example.com")

	pair := loginPair(t, env, "ada@example.com")
	_, err := env.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Simulate blacklist loss (ephemeral flush). The persistent record
	// still knows the jti was rotated.
	claims, err := env.minter.Verify(ctx, pair.RefreshToken, KindRefresh)
	require.ErrorIs(t, err, ErrRevokedToken)
	require.NotNil(t, claims)
	require.NoError(t, env.eph.Delete(ctx, blacklistPrefix+claims.ID))

	_, err = env.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	env.seedUser(t, "ada@example.com")
	pair := loginPair(t, env, "ada@example.com")

	_, err := env.svc.Refresh(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRejectsUnrecordedToken(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	user := env.seedUser(t, "ada@example.com")

	// Signed correctly but never persisted.
	minted, err := env.minter.MintRefresh(user.ID, nil)
	require.NoError(t, err)

	_, err = env.svc.Refresh(context.Background(), minted.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRejectsOAuthRefreshToken(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	user := env.seedUser(t, "ada@example.com")

	minted, err := env.minter.MintOAuthRefresh(user.ID, "client-app", "openid")
	require.NoError(t, err)

	_, err = env.svc.Refresh(context.Background(), minted.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshInactiveUser(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	pair := loginPair(t, env, "ada@example.com")

	require.NoError(t, env.store.DeactivateUser(ctx, user.ID))

	_, err := env.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")
	pair := loginPair(t, env, "ada@example.com")

	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))
	assert.Equal(t, 0, env.store.liveRefreshCount(user.ID))

	// A retried refresh after logout fails plainly, without the replay
	// cascade.
	_, err := env.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.NotErrorIs(t, err, ErrReplayDetected)
}

func TestLogoutDoesNotTouchOtherSessions(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	user := env.seedUser(t, "ada@example.com")

	first := loginPair(t, env, "ada@example.com")
	second := loginPair(t, env, "ada@example.com")

	require.NoError(t, env.svc.Logout(ctx, first.RefreshToken))
	assert.Equal(t, 1, env.store.liveRefreshCount(user.ID))

	_, err := env.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	env.seedUser(t, "ada@example.com")
	pair := loginPair(t, env, "ada@example.com")

	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))
}

func TestLogoutRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.svc.Logout(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshPersistsRotationLink(t *testing.T) {
	env := newTestEnv(t, Config{SkipLoginCode: true})
	ctx := context.Background()
	env.seedUser(t, "ada@example.com")
	pair := loginPair(t, env, "ada@example.com")

	rotated, err := env.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	oldClaims, err := env.minter.Verify(ctx, pair.RefreshToken, KindRefresh)
	require.ErrorIs(t, err, ErrRevokedToken)
	newClaims, err := env.minter.Verify(ctx, rotated.RefreshToken, KindRefresh)
	require.NoError(t, err)

	oldRec, err := env.store.GetRefreshToken(ctx, oldClaims.ID)
	require.NoError(t, err)
	require.NotNil(t, oldRec.RevokedAt)
	require.NotNil(t, oldRec.RotatedTo)
	assert.Equal(t, newClaims.ID, *oldRec.RotatedTo)

	newRec, err := env.store.GetRefreshToken(ctx, newClaims.ID)
	require.NoError(t, err)
	assert.Nil(t, newRec.RevokedAt)
	assert.Equal(t, storage.RefreshTokenRecord{
		JTI:       newRec.JTI,
		UserID:    newRec.UserID,
		OrgID:     nil,
		IssuedAt:  newRec.IssuedAt,
		ExpiresAt: newRec.ExpiresAt,
	}, newRec)
}
