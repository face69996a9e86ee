package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nbutton23/zxcvbn-go"
)

// Strength errors.
var (
	ErrWeakPassword     = errors.New("password is too weak")
	ErrBreachedPassword = errors.New("password appears in a known breach")
)

// BreachChecker reports how many times a password appears in a breach
// corpus. Implemented by the k-anonymity client.
type BreachChecker interface {
	Count(ctx context.Context, password string) (int, error)
}

// PasswordPolicy is the strength gate applied at registration and reset.
type PasswordPolicy struct {
	minScore int
	breach   BreachChecker // nil disables the breach lookup
	logger   *slog.Logger
}

// NewPasswordPolicy builds the gate. minScore follows the zxcvbn 0-4
// scale; pass a nil checker to run without breach lookups.
func NewPasswordPolicy(minScore int, breach BreachChecker, logger *slog.Logger) *PasswordPolicy {
	return &PasswordPolicy{minScore: minScore, breach: breach, logger: logger}
}

// Validate rejects passwords that are oversized, guessable, or breached.
// userInputs (email, name) feed the scorer so passwords derived from them
// score low. A failed breach lookup is logged and the gate stays open.
func (p *PasswordPolicy) Validate(ctx context.Context, password string, userInputs ...string) error {
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}

	if zxcvbn.PasswordStrength(password, userInputs).Score < p.minScore {
		return ErrWeakPassword
	}

	if p.breach != nil {
		count, err := p.breach.Count(ctx, password)
		if err != nil {
			p.logger.Warn("breach_check_failed", "error", err)
			return nil
		}
		if count > 0 {
			return ErrBreachedPassword
		}
	}
	return nil
}
