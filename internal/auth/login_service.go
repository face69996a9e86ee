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

// LoginRequest carries every field the multistep login endpoint accepts.
// Which step runs is decided by what is present, so a client may replay
// the same request after a partial failure.
type LoginRequest struct {
	Email     string
	Password  string
	Code      string
	TOTPCode  string
	OrgID     string
	UserToken string
}

// TokenPair is the terminal output of a completed login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	OrgID        *uuid.UUID
}

// LoginResult reports either the next step the client must complete or
// the finished token pair.
type LoginResult struct {
	RequiresCode         bool
	RequiresTOTP         bool
	RequiresOrgSelection bool
	UserID               uuid.UUID
	ExpiresIn            int
	UserToken            string
	Organizations        []storage.Organization
	Tokens               *TokenPair
}

// Login drives one step of the login state machine. Fresh attempts carry
// email and password; follow-ups carry the pre-auth token from the
// previous response.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.UserToken != "" {
		return s.resumeLogin(ctx, req)
	}
	return s.startLogin(ctx, req)
}

func (s *Service) startLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the same time as a real comparison so an absent user
			// is not observable by latency.
			s.hasher.DummyCompare(req.Password)
			s.audit.Log(ctx, audit.ActionLoginFailed, audit.LogParams{
				TargetID: email,
				Metadata: map[string]interface{}{"reason": "unknown_user"},
			})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.hasher.Compare(user.PasswordHash, req.Password); err != nil {
		s.audit.Log(ctx, audit.ActionLoginFailed, audit.LogParams{
			ActorID:  &user.ID,
			Metadata: map[string]interface{}{"reason": "bad_password"},
		})
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.audit.Log(ctx, audit.ActionLoginFailed, audit.LogParams{
			ActorID:  &user.ID,
			Metadata: map[string]interface{}{"reason": "inactive"},
		})
		return nil, ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return nil, ErrAccountNotVerified
	}

	s.rehashIfNeeded(ctx, user, req.Password)

	if !s.cfg.SkipLoginCode {
		if req.Code == "" {
			return s.emitLoginCode(ctx, user)
		}
		result, err := s.verifyLoginCode(ctx, user, req.Code)
		if err != nil || result != nil {
			return result, err
		}
	}

	return s.totpGate(ctx, user, req)
}

// rehashIfNeeded upgrades the stored hash to the current parameters. The
// login already succeeded; failure here only logs.
func (s *Service) rehashIfNeeded(ctx context.Context, user storage.User, password string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("password_rehash_failed", "user_id", user.ID, "error", err)
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
		s.logger.Warn("password_rehash_persist_failed", "user_id", user.ID, "error", err)
		return
	}
	s.logger.Info("password_rehash_upgraded", "user_id", user.ID)
}

func (s *Service) emitLoginCode(ctx context.Context, user storage.User) (*LoginResult, error) {
	locked, err := s.locked(ctx, user.ID, purposeLogin)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrTooManyAttempts
	}

	code, err := generateNumericCode(6)
	if err != nil {
		return nil, err
	}
	if err := s.ephemeral.SetWithTTL(ctx, loginCodeKey(user.ID), code, s.cfg.LoginCodeTTL); err != nil {
		return nil, err
	}

	s.sendEmail(notify.Message{
		To:       user.Email,
		Template: notify.TemplateLoginCode,
		Data:     map[string]string{"code": code},
	})

	return &LoginResult{
		RequiresCode: true,
		UserID:       user.ID,
		ExpiresIn:    int(s.cfg.LoginCodeTTL.Seconds()),
	}, nil
}

// verifyLoginCode returns (nil, nil) when the code is good and the flow
// should continue.
func (s *Service) verifyLoginCode(ctx context.Context, user storage.User, code string) (*LoginResult, error) {
	locked, err := s.locked(ctx, user.ID, purposeLogin)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrTooManyAttempts
	}

	consumed, err := s.ephemeral.ConsumeIfEqual(ctx, loginCodeKey(user.ID), code)
	if err != nil {
		return nil, err
	}
	if !consumed {
		tripped, err := s.recordFailure(ctx, user.ID, purposeLogin)
		if err != nil {
			return nil, err
		}
		if tripped {
			return nil, ErrTooManyAttempts
		}
		return nil, ErrInvalidCredentials
	}

	s.clearFailures(ctx, user.ID, purposeLogin)
	return nil, nil
}

func (s *Service) totpGate(ctx context.Context, user storage.User, req LoginRequest) (*LoginResult, error) {
	if !user.TOTPEnabled || user.TOTPSecret == nil {
		return s.selectOrg(ctx, user, req.OrgID)
	}

	if req.TOTPCode == "" {
		minted, err := s.minter.MintPreAuth(user.ID, s.cfg.PreAuthTTL)
		if err != nil {
			return nil, err
		}
		if err := s.ephemeral.SetWithTTL(ctx, preAuthKey(minted.JTI), user.ID.String(), s.cfg.PreAuthTTL); err != nil {
			return nil, err
		}
		return &LoginResult{
			RequiresTOTP: true,
			UserID:       user.ID,
			UserToken:    minted.Token,
		}, nil
	}

	if result, err := s.verifyTOTPStep(ctx, user, req.TOTPCode); err != nil || result != nil {
		return result, err
	}
	return s.selectOrg(ctx, user, req.OrgID)
}

// verifyTOTPStep returns (nil, nil) on success.
func (s *Service) verifyTOTPStep(ctx context.Context, user storage.User, code string) (*LoginResult, error) {
	locked, err := s.locked(ctx, user.ID, purposeTOTP)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrTooManyAttempts
	}

	ok, err := s.totp.VerifyLoginCode(ctx, user, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		tripped, err := s.recordFailure(ctx, user.ID, purposeTOTP)
		if err != nil {
			return nil, err
		}
		if tripped {
			return nil, ErrTooManyAttempts
		}
		return nil, ErrInvalidCredentials
	}

	s.clearFailures(ctx, user.ID, purposeTOTP)
	return nil, nil
}

func (s *Service) selectOrg(ctx context.Context, user storage.User, orgID string) (*LoginResult, error) {
	orgs, err := s.store.ListOrganizationsByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if orgID != "" {
		chosen, err := uuid.Parse(orgID)
		if err != nil {
			return nil, ErrInvalidCredentials
		}
		for _, org := range orgs {
			if org.ID == chosen {
				return s.finishLogin(ctx, user, &chosen)
			}
		}
		// Unknown or foreign org: same answer as a bad password.
		return nil, ErrInvalidCredentials
	}

	switch len(orgs) {
	case 0:
		return s.finishLogin(ctx, user, nil)
	case 1:
		return s.finishLogin(ctx, user, &orgs[0].ID)
	}

	minted, err := s.minter.MintPreAuth(user.ID, loginSessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.ephemeral.SetWithTTL(ctx, loginSessionKey(minted.JTI), user.ID.String(), loginSessionTTL); err != nil {
		return nil, err
	}
	return &LoginResult{
		RequiresOrgSelection: true,
		UserID:               user.ID,
		UserToken:            minted.Token,
		Organizations:        orgs,
	}, nil
}

func (s *Service) finishLogin(ctx context.Context, user storage.User, orgID *uuid.UUID) (*LoginResult, error) {
	access, err := s.minter.MintAccess(user.ID, orgID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.minter.MintRefresh(user.ID, orgID)
	if err != nil {
		return nil, err
	}

	if err := s.store.RecordRefreshToken(ctx, storage.RefreshTokenRecord{
		JTI:       refresh.JTI,
		UserID:    user.ID,
		OrgID:     orgID,
		IssuedAt:  refresh.IssuedAt,
		ExpiresAt: refresh.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	if err := s.store.TouchLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("touch_last_login_failed", "user_id", user.ID, "error", err)
	}

	s.audit.Log(ctx, audit.ActionLoginSucceeded, audit.LogParams{
		ActorID: &user.ID,
		OrgID:   orgID,
	})

	return &LoginResult{
		UserID: user.ID,
		Tokens: &TokenPair{
			AccessToken:  access.Token,
			RefreshToken: refresh.Token,
			OrgID:        orgID,
		},
	}, nil
}

// resumeLogin continues a flow paused at the TOTP or org-selection step.
// Any defect in the carrier token collapses to the generic failure.
func (s *Service) resumeLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	claims, err := s.minter.Verify(ctx, req.UserToken, KindPreAuth)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.ephemeral.Get(ctx, preAuthKey(claims.ID)); err == nil {
		return s.resumeTOTP(ctx, claims.ID, userID, req)
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		return nil, err
	}

	if _, err := s.ephemeral.Get(ctx, loginSessionKey(claims.ID)); err == nil {
		return s.resumeOrgSelection(ctx, claims.ID, userID, req)
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		return nil, err
	}

	// Consumed or expired carrier.
	return nil, ErrInvalidCredentials
}

func (s *Service) resumeTOTP(ctx context.Context, jti string, userID uuid.UUID, req LoginRequest) (*LoginResult, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrInvalidCredentials
	}

	if req.TOTPCode == "" {
		// Idempotent replay of the step prompt; the carrier stays valid.
		return &LoginResult{RequiresTOTP: true, UserID: user.ID, UserToken: req.UserToken}, nil
	}

	if result, err := s.verifyTOTPStep(ctx, user, req.TOTPCode); err != nil || result != nil {
		return result, err
	}

	consumed, err := s.ephemeral.ConsumeIfEqual(ctx, preAuthKey(jti), userID.String())
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrInvalidCredentials
	}

	return s.selectOrg(ctx, user, req.OrgID)
}

func (s *Service) resumeOrgSelection(ctx context.Context, jti string, userID uuid.UUID, req LoginRequest) (*LoginResult, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrInvalidCredentials
	}

	if req.OrgID == "" {
		orgs, err := s.store.ListOrganizationsByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			RequiresOrgSelection: true,
			UserID:               user.ID,
			UserToken:            req.UserToken,
			Organizations:        orgs,
		}, nil
	}

	chosen, err := uuid.Parse(req.OrgID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	member, err := s.store.IsMember(ctx, chosen, user.ID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrInvalidCredentials
	}

	consumed, err := s.ephemeral.ConsumeIfEqual(ctx, loginSessionKey(jti), userID.String())
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, ErrInvalidCredentials
	}

	return s.finishLogin(ctx, user, &chosen)
}
