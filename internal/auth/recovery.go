package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/notify"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// RequestPasswordReset mints a reset token for the account and emails
// it. The answer is identical whether or not the address exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.Active {
		return nil
	}

	// One active reset per user; a new request retires the old token.
	if old, err := s.ephemeral.Get(ctx, resetUserKey(user.ID)); err == nil {
		if err := s.ephemeral.Delete(ctx, resetTokenKey(old)); err != nil {
			s.logger.Warn("stale_reset_cleanup_failed", "error", err)
		}
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		return err
	}

	token, err := GenerateSecureToken(32)
	if err != nil {
		return err
	}
	code, err := generateNumericCode(6)
	if err != nil {
		return err
	}

	value := code + ":" + user.ID.String()
	if err := s.ephemeral.SetWithTTL(ctx, resetTokenKey(token), value, s.cfg.ResetTTL); err != nil {
		return err
	}
	if err := s.ephemeral.SetWithTTL(ctx, resetUserKey(user.ID), token, s.cfg.ResetTTL); err != nil {
		return err
	}

	s.sendEmail(notify.Message{
		To:       user.Email,
		Template: notify.TemplatePasswordReset,
		Data:     map[string]string{"token": token, "code": code},
	})

	s.audit.Log(ctx, audit.ActionPasswordResetAsked, audit.LogParams{ActorID: &user.ID})
	return nil
}

// ResetPassword consumes the reset token and writes the new password.
// Every session the user had is terminated: all refresh tokens are
// revoked and blacklisted, and cached authorization state is dropped.
func (s *Service) ResetPassword(ctx context.Context, token, code, newPassword string) error {
	raw, err := s.ephemeral.Get(ctx, resetTokenKey(token))
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return ErrInvalidReset
		}
		return err
	}

	userID, err := splitCodeValue(raw)
	if err != nil {
		return ErrInvalidReset
	}

	locked, err := s.locked(ctx, userID, purposeReset)
	if err != nil {
		return err
	}
	if locked {
		return ErrTooManyAttempts
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidReset
		}
		return err
	}

	// Gate strength before consuming, so a weak password does not burn
	// the single-use token.
	if err := s.policy.Validate(ctx, newPassword, user.Email); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	consumed, err := s.ephemeral.ConsumeIfEqual(ctx, resetTokenKey(token), code+":"+userID.String())
	if err != nil {
		return err
	}
	if !consumed {
		tripped, err := s.recordFailure(ctx, userID, purposeReset)
		if err != nil {
			return err
		}
		if tripped {
			return ErrTooManyAttempts
		}
		return ErrInvalidReset
	}

	if err := s.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}

	if err := s.ephemeral.Delete(ctx, resetUserKey(userID)); err != nil {
		s.logger.Warn("reset_reverse_key_cleanup_failed", "error", err)
	}
	s.clearFailures(ctx, userID, purposeReset)

	revoked, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		s.logger.Error("post_reset_session_revocation_failed", "user_id", userID, "error", err)
	}
	for _, rec := range revoked {
		if err := s.blacklist.Revoke(ctx, rec.JTI, time.Until(rec.ExpiresAt)); err != nil {
			s.logger.Warn("blacklist_revoke_failed", "jti", rec.JTI, "error", err)
		}
	}

	if s.authz != nil {
		if err := s.authz.InvalidateUser(ctx, userID); err != nil {
			s.logger.Warn("authz_invalidation_failed", "user_id", userID, "error", err)
		}
	}

	s.audit.Log(ctx, audit.ActionPasswordResetDone, audit.LogParams{
		ActorID:  &userID,
		Metadata: map[string]interface{}{"sessions_revoked": len(revoked)},
	})
	return nil
}
