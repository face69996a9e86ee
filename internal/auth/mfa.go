package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/praxisworks/gatewarden/internal/audit"
	"github.com/praxisworks/gatewarden/internal/crypto"
	"github.com/praxisworks/gatewarden/internal/storage"
)

// ErrInvalidTOTPCode rejects a code that does not match the current TOTP
// window or any unused backup code.
var ErrInvalidTOTPCode = errors.New("invalid two-factor code")

const (
	totpSecretSize   = 20 // 160-bit secret, base32-encoded
	backupCodeCount  = 8
	backupCodeDigits = 8
)

// TOTPSetup is handed to the user exactly once. The secret and backup
// codes are never recoverable afterwards; only their sealed and hashed
// forms persist.
type TOTPSetup struct {
	Secret      string
	QRPayload   string
	BackupCodes []string
}

// TOTPEngine owns the two-factor credential material: secret generation,
// sealing, code validation, and backup-code consumption. Plaintext
// secrets exist only inside a call frame.
type TOTPEngine struct {
	box    *crypto.SecretBox
	store  storage.UserStore
	issuer string
	audit  audit.Service
	logger *slog.Logger
}

func NewTOTPEngine(box *crypto.SecretBox, store storage.UserStore, issuer string, auditor audit.Service, logger *slog.Logger) *TOTPEngine {
	return &TOTPEngine{
		box:    box,
		store:  store,
		issuer: issuer,
		audit:  auditor,
		logger: logger,
	}
}

// Setup generates a fresh secret and backup codes and stores them in the
// pending state. Codes issued by an earlier unconfirmed setup stop
// working immediately.
func (e *TOTPEngine) Setup(ctx context.Context, user storage.User) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: user.Email,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return nil, err
	}

	sealed, err := e.box.Seal(key.Secret())
	if err != nil {
		return nil, err
	}
	if err := e.store.SetTOTPSecret(ctx, user.ID, sealed); err != nil {
		return nil, err
	}

	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := generateNumericCode(backupCodeDigits)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashToken(code))
	}
	if err := e.store.ReplaceBackupCodes(ctx, user.ID, hashes); err != nil {
		return nil, err
	}

	return &TOTPSetup{
		Secret:      key.Secret(),
		QRPayload:   key.URL(),
		BackupCodes: codes,
	}, nil
}

// ValidateCode checks a 6-digit code against the user's stored secret,
// pending or active, allowing one 30-second step of drift.
func (e *TOTPEngine) ValidateCode(user storage.User, code string) (bool, error) {
	if user.TOTPSecret == nil {
		return false, ErrTwoFactorNotEnabled
	}
	secret, err := e.box.Open(*user.TOTPSecret)
	if err != nil {
		return false, err
	}
	return totp.Validate(code, secret), nil
}

// VerifyLoginCode accepts either a current TOTP code or an unused backup
// code during login. Backup codes are 8 digits, TOTP codes 6, so the
// length routes the check.
func (e *TOTPEngine) VerifyLoginCode(ctx context.Context, user storage.User, code string) (bool, error) {
	if len(code) == backupCodeDigits {
		return e.consumeBackupCode(ctx, user, code)
	}
	return e.ValidateCode(user, code)
}

func (e *TOTPEngine) consumeBackupCode(ctx context.Context, user storage.User, code string) (bool, error) {
	used, err := e.store.ConsumeBackupCode(ctx, user.ID, hashToken(code))
	if err != nil {
		return false, err
	}
	if !used {
		return false, nil
	}

	spent, err := e.store.CountUsedBackupCodes(ctx, user.ID)
	if err != nil {
		e.logger.Warn("backup_code_count_failed", "user_id", user.ID, "error", err)
		spent = -1
	}
	e.audit.Log(ctx, audit.ActionBackupCodeUsed, audit.LogParams{
		ActorID:  &user.ID,
		Metadata: map[string]interface{}{"used_total": spent},
	})
	if remaining := backupCodeCount - spent; spent >= 0 && remaining <= 2 {
		e.logger.Warn("backup_codes_running_low", "user_id", user.ID, "remaining", remaining)
	}
	return true, nil
}

// SetupTOTP begins two-factor enrollment for the user. The response is
// shown once; enrollment stays pending until ConfirmTOTP succeeds.
func (s *Service) SetupTOTP(ctx context.Context, userID uuid.UUID) (*TOTPSetup, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TOTPEnabled {
		return nil, ErrTwoFactorEnabled
	}
	return s.totp.Setup(ctx, user)
}

// ConfirmTOTP proves the user captured the secret by checking a fresh
// code, then activates two-factor auth.
func (s *Service) ConfirmTOTP(ctx context.Context, userID uuid.UUID, code string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPEnabled {
		return ErrTwoFactorEnabled
	}
	if !user.TOTPPending || user.TOTPSecret == nil {
		return ErrSetupNotPending
	}

	locked, err := s.locked(ctx, user.ID, purposeTOTP)
	if err != nil {
		return err
	}
	if locked {
		return ErrTooManyAttempts
	}

	ok, err := s.totp.ValidateCode(user, code)
	if err != nil {
		return err
	}
	if !ok {
		tripped, err := s.recordFailure(ctx, user.ID, purposeTOTP)
		if err != nil {
			return err
		}
		if tripped {
			return ErrTooManyAttempts
		}
		return ErrInvalidTOTPCode
	}
	s.clearFailures(ctx, user.ID, purposeTOTP)

	if err := s.store.ConfirmTOTP(ctx, user.ID); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.ActionTwoFactorEnabled, audit.LogParams{ActorID: &user.ID})
	return nil
}

// DisableTOTP turns two-factor off. It demands the password and a
// current TOTP code; backup codes are not accepted here.
func (s *Service) DisableTOTP(ctx context.Context, userID uuid.UUID, password, code string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return ErrTwoFactorNotEnabled
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return ErrInvalidCredentials
	}

	locked, err := s.locked(ctx, user.ID, purposeTOTP)
	if err != nil {
		return err
	}
	if locked {
		return ErrTooManyAttempts
	}

	ok, err := s.totp.ValidateCode(user, code)
	if err != nil {
		return err
	}
	if !ok {
		tripped, err := s.recordFailure(ctx, user.ID, purposeTOTP)
		if err != nil {
			return err
		}
		if tripped {
			return ErrTooManyAttempts
		}
		return ErrInvalidTOTPCode
	}
	s.clearFailures(ctx, user.ID, purposeTOTP)

	if err := s.store.DisableTOTP(ctx, user.ID); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.ActionTwoFactorDisabled, audit.LogParams{ActorID: &user.ID})
	return nil
}
