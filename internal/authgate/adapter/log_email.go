package adapter

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/authgate/app"
)

var (
	_ app.EmailSender   = (*LogMailer)(nil)
	_ anomaly.AlertSink = (*LogMailer)(nil)
)

// LogMailer is a fake EmailSender that logs deliveries instead of sending
// mail. Local development runs without Postmark credentials; token links
// land in the log so the verification and reset flows stay clickable.
type LogMailer struct {
	logger *slog.Logger
	cfg    MailerConfig
}

// NewLogMailer creates a LogMailer that writes delivery events to the given
// structured logger.
func NewLogMailer(logger *slog.Logger, cfg MailerConfig) *LogMailer {
	return &LogMailer{logger: logger, cfg: cfg}
}

// SendVerification logs the email-confirmation link.
func (m *LogMailer) SendVerification(ctx context.Context, email, rawToken string) error {
	m.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("tag", "email-verification"),
		slog.String("to", maskEmail(email)),
		slog.String("link", m.cfg.BaseURL+"/verify-email?token="+url.QueryEscape(rawToken)),
	)
	return nil
}

// SendPasswordReset logs the reset link.
func (m *LogMailer) SendPasswordReset(ctx context.Context, email, rawToken string) error {
	m.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("tag", "password-reset"),
		slog.String("to", maskEmail(email)),
		slog.String("link", m.cfg.BaseURL+"/reset-password?token="+url.QueryEscape(rawToken)),
	)
	return nil
}

// SendPasswordChanged logs the change notification.
func (m *LogMailer) SendPasswordChanged(ctx context.Context, email string) error {
	m.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("tag", "password-changed"),
		slog.String("to", maskEmail(email)),
	)
	return nil
}

// SendAccountLocked logs the lockout notification.
func (m *LogMailer) SendAccountLocked(ctx context.Context, email string, until time.Time) error {
	m.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("tag", "account-locked"),
		slog.String("to", maskEmail(email)),
		slog.Time("until", until),
	)
	return nil
}

// SendNewDeviceAlert logs the first-seen-device notification.
func (m *LogMailer) SendNewDeviceAlert(ctx context.Context, email string, device app.DeviceInfo) error {
	m.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("tag", "new-device"),
		slog.String("to", maskEmail(email)),
		slog.String("device", device.DeviceName),
		slog.String("location", device.Location),
		slog.String("ip", device.IP),
	)
	return nil
}

// SendPaymentConfirmation logs the receipt.
func (m *LogMailer) SendPaymentConfirmation(ctx context.Context, email, orderID string, amountCents int64, currency string) error {
	m.logger.InfoContext(ctx, "email delivery (log-only)",
		slog.String("tag", "payment-confirmation"),
		slog.String("to", maskEmail(email)),
		slog.String("order_id", orderID),
		slog.String("amount", formatAmount(amountCents, currency)),
	)
	return nil
}

// SecurityAlert logs the high-risk finding that would go to the operations
// inbox.
func (m *LogMailer) SecurityAlert(ctx context.Context, userID string, res anomaly.Result) error {
	m.logger.WarnContext(ctx, "security alert (log-only)",
		slog.String("user_id", userID),
		slog.Int("risk_score", res.RiskScore),
		slog.String("findings", strings.Join(res.Reasons, "; ")),
	)
	return nil
}

// maskEmail hides the local part except its first character. Addresses
// without an @ are fully masked.
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
