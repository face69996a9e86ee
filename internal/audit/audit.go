// Package audit records security events to an append-only log. Writes are
// fire-and-forget: a failed audit write never fails the operation that
// produced it, it only logs a warning.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/gatewarden/internal/storage"
)

// Actions recorded by the service. Handlers and services reference these
// instead of spelling strings inline.
const (
	ActionUserRegistered     = "user_registered"
	ActionEmailVerified      = "email_verified"
	ActionLoginSucceeded     = "login_succeeded"
	ActionLoginFailed        = "login_failed"
	ActionLoginLocked        = "login_locked"
	ActionLogout             = "logout"
	ActionTokenRefreshed     = "token_refreshed"
	ActionRefreshReplay      = "refresh_replay_detected"
	ActionPasswordResetAsked = "password_reset_requested"
	ActionPasswordResetDone  = "password_reset_completed"
	ActionTwoFactorEnabled   = "two_factor_enabled"
	ActionTwoFactorDisabled  = "two_factor_disabled"
	ActionBackupCodeUsed     = "backup_code_used"
	ActionAuthzDecision      = "authz_decision"
	ActionOrgCreated         = "organization_created"
	ActionOrgDeleted         = "organization_deleted"
	ActionMembershipChanged  = "membership_changed"
	ActionGroupChanged       = "group_changed"
	ActionPermissionChanged  = "permission_changed"
	ActionOAuthCodeIssued    = "oauth_code_issued"
	ActionOAuthCodeReplay    = "oauth_code_replay"
	ActionOAuthTokenIssued   = "oauth_token_issued"
	ActionOAuthTokenRevoked  = "oauth_token_revoked"
	ActionClientRegistered   = "oauth_client_registered"
	ActionConsentGranted     = "consent_granted"
)

// LogParams carries the optional fields of an event.
type LogParams struct {
	ActorID  *uuid.UUID
	TargetID string
	OrgID    *uuid.UUID
	Metadata map[string]interface{}
}

// Service is the recording contract. Implementations must not block the
// caller on storage.
type Service interface {
	Log(ctx context.Context, action string, params LogParams)
}

// Recorder buffers events on a channel and persists them from a single
// writer goroutine. When the buffer is full the event is dropped with a
// warning rather than stalling the request path.
type Recorder struct {
	store  storage.AuditStore
	logger *slog.Logger

	events chan storage.AuditRecord
	done   chan struct{}
	once   sync.Once
}

// writeTimeout bounds each insert made by the writer goroutine. The
// request context cannot be used: it is usually cancelled by the time
// the event is dequeued.
const writeTimeout = 10 * time.Second

// NewRecorder starts the writer goroutine.
func NewRecorder(store storage.AuditStore, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		events: make(chan storage.AuditRecord, 256),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.InsertAuditRecord(ctx, rec); err != nil {
			r.logger.Warn("audit_write_failed", "action", rec.Action, "error", err)
		}
		cancel()
	}
}

// Log enqueues the event. The passed context is only inspected, never
// awaited.
func (r *Recorder) Log(ctx context.Context, action string, params LogParams) {
	metadata, err := json.Marshal(params.Metadata)
	if err != nil {
		r.logger.Warn("audit_metadata_marshal_failed", "action", action, "error", err)
		metadata = []byte("{}")
	}

	var target *string
	if params.TargetID != "" {
		target = &params.TargetID
	}

	rec := storage.AuditRecord{
		Action:   action,
		ActorID:  params.ActorID,
		TargetID: target,
		OrgID:    params.OrgID,
		Metadata: metadata,
	}

	select {
	case r.events <- rec:
	default:
		r.logger.Warn("audit_buffer_full", "action", action)
	}
}

// Close drains the buffer and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.events)
		<-r.done
	})
}

// Discard is a no-op Service for tests.
type Discard struct{}

func (Discard) Log(context.Context, string, LogParams) {}
