package notify

import (
	"context"
	"log/slog"
)

// Template names accepted by the delivery service.
type Template string

const (
	TemplateEmailVerification Template = "email_verification"
	TemplatePasswordReset     Template = "password_reset"
	TemplateLoginCode         Template = "login_code"
	TemplateTwoFactorCode     Template = "2fa_code"
)

// Message is one email dispatch request.
type Message struct {
	To       string            `json:"to"`
	Template Template          `json:"template"`
	Data     map[string]string `json:"data"`
}

// EmailSender hands a message to the delivery service. Callers treat
// failures as non-fatal: the code behind the email stays valid and the
// user can ask for a resend.
type EmailSender interface {
	Send(ctx context.Context, msg Message) error
}

// DevMailer prints emails to the log (safe for development).
type DevMailer struct {
	Logger *slog.Logger
}

func (m *DevMailer) Send(ctx context.Context, msg Message) error {
	attrs := []any{"to", msg.To, "template", string(msg.Template)}
	for k, v := range msg.Data {
		attrs = append(attrs, k, v)
	}
	m.Logger.Info("📧 EMAIL SENT", attrs...)
	return nil
}
