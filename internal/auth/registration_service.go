package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/notify"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// RegisterResult carries what the handler may surface. For a duplicate
// email it is empty: the response shape must not betray that the
// address was already taken.
type RegisterResult struct {
	UserID            uuid.UUID
	VerificationToken string
}

// Register creates an unverified account and dispatches the
// verification email. A duplicate email returns success with an empty
// result and no email, so the endpoint cannot be used to enumerate
// accounts.
func (s *Service) Register(ctx context.Context, email, password string) (*RegisterResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := s.policy.Validate(ctx, password, email); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, email, hash)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Info("registration_duplicate_email")
			return &RegisterResult{}, nil
		}
		return nil, err
	}

	token, err := s.issueVerification(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.ActionUserRegistered, audit.LogParams{ActorID: &user.ID})

	return &RegisterResult{UserID: user.ID, VerificationToken: token}, nil
}

// issueVerification mints a verification token and code for the user,
// replacing any outstanding one, and sends the email.
func (s *Service) issueVerification(ctx context.Context, user storage.User) (string, error) {
	// One active token per user: drop the previous one first.
	if old, err := s.ephemeral.Get(ctx, verifyUserKey(user.ID)); err == nil {
		if err := s.ephemeral.Delete(ctx, verifyTokenKey(old)); err != nil {
			s.logger.Warn("stale_verification_cleanup_failed", "error", err)
		}
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		return "", err
	}

	token, err := GenerateSecureToken(32)
	if err != nil {
		return "", err
	}
	code, err := generateNumericCode(6)
	if err != nil {
		return "", err
	}

	value := code + ":" + user.ID.String()
	if err := s.ephemeral.SetWithTTL(ctx, verifyTokenKey(token), value, s.cfg.VerificationTTL); err != nil {
		return "", err
	}
	if err := s.ephemeral.SetWithTTL(ctx, verifyUserKey(user.ID), token, s.cfg.VerificationTTL); err != nil {
		return "", err
	}

	s.sendEmail(notify.Message{
		To:       user.Email,
		Template: notify.TemplateEmailVerification,
		Data:     map[string]string{"token": token, "code": code},
	})
	return token, nil
}

// VerifyEmail consumes a verification token and code pair and marks the
// account verified. All failure modes look alike to the caller.
func (s *Service) VerifyEmail(ctx context.Context, token, code string) error {
	raw, err := s.ephemeral.Get(ctx, verifyTokenKey(token))
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return ErrInvalidVerification
		}
		return err
	}

	userID, err := splitCodeValue(raw)
	if err != nil {
		return ErrInvalidVerification
	}

	locked, err := s.locked(ctx, userID, purposeVerify)
	if err != nil {
		return err
	}
	if locked {
		return ErrTooManyAttempts
	}

	consumed, err := s.ephemeral.ConsumeIfEqual(ctx, verifyTokenKey(token), code+":"+userID.String())
	if err != nil {
		return err
	}
	if !consumed {
		tripped, err := s.recordFailure(ctx, userID, purposeVerify)
		if err != nil {
			return err
		}
		if tripped {
			return ErrTooManyAttempts
		}
		return ErrInvalidVerification
	}

	if err := s.store.MarkEmailVerified(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidVerification
		}
		return err
	}

	if err := s.ephemeral.Delete(ctx, verifyUserKey(userID)); err != nil {
		s.logger.Warn("verify_reverse_key_cleanup_failed", "error", err)
	}
	s.clearFailures(ctx, userID, purposeVerify)

	s.audit.Log(ctx, audit.ActionEmailVerified, audit.LogParams{ActorID: &userID})
	return nil
}

// ResendVerification reissues the verification email. Unknown and
// already-verified addresses return success without sending anything.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified || !user.Active {
		return nil
	}

	_, err = s.issueVerification(ctx, user)
	return err
}

// splitCodeValue extracts the user id from a "{code}:{user_id}"
// ephemeral value.
func splitCodeValue(raw string) (uuid.UUID, error) {
	_, idPart, found := strings.Cut(raw, ":")
	if !found {
		return uuid.Nil, errors.New("malformed code value")
	}
	return uuid.Parse(idPart)
}
