package auth

import (
	"context"
	"errors"
	"time"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// Refresh rotates a refresh token: the old token dies before the new
// pair is returned, and presenting an already-rotated token burns every
// live session the user has.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.minter.Verify(ctx, refreshToken, KindRefresh)
	if err != nil {
		if errors.Is(err, ErrRevokedToken) && claims != nil {
			return nil, s.handleRevokedRefresh(ctx, claims)
		}
		return nil, err
	}

	// OAuth refresh tokens carry a client id and are exchanged at the
	// OAuth token endpoint, never here.
	if claims.ClientID != "" {
		return nil, ErrInvalidToken
	}

	record, err := s.store.GetRefreshToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if record.RevokedAt != nil {
		// The blacklist entry lapsed, but the ledger remembers. Only a
		// rotated jti coming back is a replay; a logged-out token
		// retried by a stale client just fails.
		if record.RotatedTo != nil {
			return nil, s.punishReplay(ctx, claims)
		}
		return nil, ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrAccountInactive
	}

	newRefresh, err := s.minter.MintRefresh(user.ID, claims.OrgID)
	if err != nil {
		return nil, err
	}

	// Kill the old token before the new one is persisted. A failure
	// after this point strands the session, never duplicates it.
	if err := s.blacklist.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, claims.ID, newRefresh.JTI); err != nil {
		return nil, err
	}
	if err := s.store.RecordRefreshToken(ctx, storage.RefreshTokenRecord{
		JTI:       newRefresh.JTI,
		UserID:    user.ID,
		OrgID:     claims.OrgID,
		IssuedAt:  newRefresh.IssuedAt,
		ExpiresAt: newRefresh.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	access, err := s.minter.MintAccess(user.ID, claims.OrgID)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.ActionTokenRefreshed, audit.LogParams{
		ActorID: &user.ID,
		OrgID:   claims.OrgID,
	})

	return &TokenPair{
		AccessToken:  access.Token,
		RefreshToken: newRefresh.Token,
		OrgID:        claims.OrgID,
	}, nil
}

// handleRevokedRefresh decides what a blacklisted refresh token means:
// replay of a rotated jti burns the chain, anything else is a plain
// rejection.
func (s *Service) handleRevokedRefresh(ctx context.Context, claims *Claims) error {
	record, err := s.store.GetRefreshToken(ctx, claims.ID)
	if err != nil || record.RotatedTo == nil {
		return ErrInvalidToken
	}
	return s.punishReplay(ctx, claims)
}

// punishReplay handles a rotated refresh token showing up again: every
// live refresh token of that user is revoked and blacklisted, and the
// caller gets a distinct error so the handler can say why the session
// ended.
func (s *Service) punishReplay(ctx context.Context, claims *Claims) error {
	userID, err := claims.UserID()
	if err != nil {
		return ErrInvalidToken
	}

	s.audit.Log(ctx, audit.ActionRefreshReplay, audit.LogParams{
		ActorID:  &userID,
		Metadata: map[string]interface{}{"jti": claims.ID},
	})

	revoked, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, rec := range revoked {
		if err := s.blacklist.Revoke(ctx, rec.JTI, time.Until(rec.ExpiresAt)); err != nil {
			s.logger.Warn("blacklist_revoke_failed", "jti", rec.JTI, "error", err)
		}
	}

	s.logger.Warn("refresh_replay_detected", "user_id", userID, "sessions_revoked", len(revoked))
	return ErrReplayDetected
}

// Logout revokes the presented refresh token. It is idempotent: an
// expired or already-revoked token logs out successfully.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.minter.Verify(ctx, refreshToken, KindRefresh)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) || errors.Is(err, ErrRevokedToken) {
			return nil
		}
		return ErrInvalidToken
	}

	if err := s.blacklist.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return err
	}
	if err := s.store.RevokeRefreshToken(ctx, claims.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if userID, err := claims.UserID(); err == nil {
		s.audit.Log(ctx, audit.ActionLogout, audit.LogParams{ActorID: &userID})
	}
	return nil
}
