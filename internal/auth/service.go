package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/ephemeral"
	"github.com/praxisworks/gatewarden/internal/notify"
	"github.com/praxisworks/gatewarden/internal/storage"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountNotVerified  = errors.New("account not verified")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrTooManyAttempts     = errors.New("too many attempts")
	ErrInvalidVerification = errors.New("invalid or expired verification")
	ErrInvalidReset        = errors.New("invalid or expired reset")
	ErrReplayDetected      = errors.New("refresh token replay detected")
	ErrTwoFactorEnabled    = errors.New("two-factor authentication already enabled")
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication not enabled")
	ErrSetupNotPending     = errors.New("no two-factor setup awaiting confirmation")
)

// Attempt-counter purposes. Each (user, purpose) pair locks independently.
const (
	purposeLogin  = "login"
	purposeTOTP   = "totp"
	purposeVerify = "verify"
	purposeReset  = "reset"
)

const (
	maxAttempts     = 3
	lockoutWindow   = 5 * time.Minute
	loginSessionTTL = 15 * time.Minute
)

// Ephemeral key builders. The layout is shared state with operators and
// runbooks; keep it stable.
func loginCodeKey(userID uuid.UUID) string     { return "login_code:" + userID.String() }
func preAuthKey(jti string) string             { return "pre_auth:" + jti }
func loginSessionKey(jti string) string        { return "login_session:" + jti }
func verifyTokenKey(token string) string       { return "verify_token:" + token }
func verifyUserKey(userID uuid.UUID) string    { return "verify_user:" + userID.String() }
func resetTokenKey(token string) string        { return "reset_token:" + token }
func resetUserKey(userID uuid.UUID) string     { return "reset_user:" + userID.String() }
func attemptsKey(userID uuid.UUID, purpose string) string {
	return "attempts:" + userID.String() + ":" + purpose
}

// Store is the slice of the persistent contract the auth flows need.
type Store interface {
	storage.UserStore
	storage.OrganizationStore
	storage.RefreshTokenStore
}

// AuthzInvalidator drops cached authorization state for a user. The
// authorization engine implements it; wiring happens in the composition
// root so the packages stay decoupled.
type AuthzInvalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// Config holds the knobs the auth flows read.
type Config struct {
	SkipLoginCode   bool
	LoginCodeTTL    time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	PreAuthTTL      time.Duration
	TOTPIssuer      string
}

// Service orchestrates registration, login, refresh, reset, and 2FA.
// It is agnostic of the HTTP transport and the storage backends.
type Service struct {
	cfg       Config
	store     Store
	ephemeral ephemeral.Store
	hasher    PasswordHasher
	policy    *PasswordPolicy
	minter    *Minter
	blacklist *Blacklist
	totp      *TOTPEngine
	mail      notify.EmailSender
	audit     audit.Service
	authz     AuthzInvalidator
	logger    *slog.Logger
}

func NewService(
	cfg Config,
	store Store,
	eph ephemeral.Store,
	hasher PasswordHasher,
	policy *PasswordPolicy,
	minter *Minter,
	blacklist *Blacklist,
	totp *TOTPEngine,
	mail notify.EmailSender,
	auditor audit.Service,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		ephemeral: eph,
		hasher:    hasher,
		policy:    policy,
		minter:    minter,
		blacklist: blacklist,
		totp:      totp,
		mail:      mail,
		audit:     auditor,
		logger:    logger,
	}
}

// SetAuthzInvalidator wires the authorization cache. Called once from the
// composition root; nil stays a no-op.
func (s *Service) SetAuthzInvalidator(inv AuthzInvalidator) {
	s.authz = inv
}

// locked reports whether (user, purpose) has reached the failure
// threshold inside the current window.
func (s *Service) locked(ctx context.Context, userID uuid.UUID, purpose string) (bool, error) {
	raw, err := s.ephemeral.Get(ctx, attemptsKey(userID, purpose))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading attempt counter: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("parsing attempt counter: %w", err)
	}
	return count >= maxAttempts, nil
}

// recordFailure bumps the counter and reports whether this failure
// tripped the lock.
func (s *Service) recordFailure(ctx context.Context, userID uuid.UUID, purpose string) (bool, error) {
	count, err := s.ephemeral.IncrWithTTL(ctx, attemptsKey(userID, purpose), lockoutWindow)
	if err != nil {
		return false, fmt.Errorf("recording failed attempt: %w", err)
	}
	if count == maxAttempts {
		s.audit.Log(ctx, audit.ActionLoginLocked, audit.LogParams{
			ActorID:  &userID,
			Metadata: map[string]interface{}{"purpose": purpose},
		})
	}
	return count >= maxAttempts, nil
}

func (s *Service) clearFailures(ctx context.Context, userID uuid.UUID, purpose string) {
	if err := s.ephemeral.Delete(ctx, attemptsKey(userID, purpose)); err != nil {
		s.logger.Warn("clearing attempt counter failed", "purpose", purpose, "error", err)
	}
}

// sendEmail dispatches in the background with its own deadline, so a
// slow mail service never holds a request hostage. Failures are logged;
// the code stays valid and the user can request a resend.
func (s *Service) sendEmail(msg notify.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.mail.Send(ctx, msg); err != nil {
			s.logger.Warn("email_dispatch_failed", "template", string(msg.Template), "error", err)
		}
	}()
}
