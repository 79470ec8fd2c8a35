package adapter

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/mrz1836/postmark"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/authgate/app"
)

// postmarkAPI is a narrow, consumer-defined interface for the Postmark
// operations the mailer needs. The *postmark.Client satisfies it.
type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// MailerConfig holds the sender identity and link material.
type MailerConfig struct {
	// From is the transactional sender address.
	From string
	// SecurityAlerts receives high-risk anomaly findings.
	SecurityAlerts string
	// BaseURL is the frontend origin token links point at.
	BaseURL string
}

var (
	_ app.EmailSender   = (*PostmarkMailer)(nil)
	_ anomaly.AlertSink = (*PostmarkMailer)(nil)
)

// PostmarkMailer delivers transactional mail through Postmark. Link
// tracking stays off: rewritten URLs would route token links through the
// tracking domain.
type PostmarkMailer struct {
	client postmarkAPI
	cfg    MailerConfig
}

// NewPostmarkMailer creates a mailer backed by the given Postmark client.
func NewPostmarkMailer(client postmarkAPI, cfg MailerConfig) *PostmarkMailer {
	return &PostmarkMailer{client: client, cfg: cfg}
}

// SendVerification mails the email-confirmation link.
func (m *PostmarkMailer) SendVerification(ctx context.Context, email, rawToken string) error {
	link := m.cfg.BaseURL + "/verify-email?token=" + url.QueryEscape(rawToken)
	return m.send(ctx, email, "email-verification",
		"Confirm your VeloMart email address",
		fmt.Sprintf("<p>Welcome to VeloMart.</p><p><a href=%q>Confirm your email address</a> to activate your account. The link expires in 24 hours.</p>", link),
		"Confirm your email address: "+link+" (expires in 24 hours)",
	)
}

// SendPasswordReset mails the reset link.
func (m *PostmarkMailer) SendPasswordReset(ctx context.Context, email, rawToken string) error {
	link := m.cfg.BaseURL + "/reset-password?token=" + url.QueryEscape(rawToken)
	return m.send(ctx, email, "password-reset",
		"Reset your VeloMart password",
		fmt.Sprintf("<p>A password reset was requested for your account.</p><p><a href=%q>Choose a new password</a>. The link expires in 1 hour. If you did not ask for this, you can ignore it.</p>", link),
		"Reset your password: "+link+" (expires in 1 hour)",
	)
}

// SendPasswordChanged notifies the owner after a successful change or reset.
func (m *PostmarkMailer) SendPasswordChanged(ctx context.Context, email string) error {
	return m.send(ctx, email, "password-changed",
		"Your VeloMart password was changed",
		"<p>Your password was just changed and every active session was signed out.</p><p>If this was not you, reset your password immediately and contact support.</p>",
		"Your password was just changed and every active session was signed out. If this was not you, reset your password immediately.",
	)
}

// SendAccountLocked notifies the owner their account is locked.
func (m *PostmarkMailer) SendAccountLocked(ctx context.Context, email string, until time.Time) error {
	when := until.UTC().Format(time.RFC1123)
	return m.send(ctx, email, "account-locked",
		"Your VeloMart account is temporarily locked",
		fmt.Sprintf("<p>Repeated failed sign-in attempts locked your account until %s.</p><p>If this was not you, reset your password once the lock lifts.</p>", when),
		fmt.Sprintf("Repeated failed sign-in attempts locked your account until %s.", when),
	)
}

// SendNewDeviceAlert notifies the owner of a first-seen device.
func (m *PostmarkMailer) SendNewDeviceAlert(ctx context.Context, email string, device app.DeviceInfo) error {
	name := device.DeviceName
	if name == "" {
		name = "an unrecognized device"
	}
	where := device.Location
	if where == "" {
		where = "an unknown location"
	}
	return m.send(ctx, email, "new-device",
		"New sign-in to your VeloMart account",
		fmt.Sprintf("<p>Your account was just signed in from %s in %s.</p><p>If this was you, no action is needed. If not, change your password now.</p>",
			html.EscapeString(name), html.EscapeString(where)),
		fmt.Sprintf("Your account was just signed in from %s in %s. If this was not you, change your password now.", name, where),
	)
}

// SendPaymentConfirmation mails the order receipt after settlement.
func (m *PostmarkMailer) SendPaymentConfirmation(ctx context.Context, email, orderID string, amountCents int64, currency string) error {
	amount := formatAmount(amountCents, currency)
	return m.send(ctx, email, "payment-confirmation",
		"Your VeloMart payment was received",
		fmt.Sprintf("<p>We received your payment of %s for order %s.</p><p>You will get another email when the order ships.</p>",
			amount, html.EscapeString(orderID)),
		fmt.Sprintf("We received your payment of %s for order %s.", amount, orderID),
	)
}

// SecurityAlert routes a high-risk anomaly finding to the operations inbox.
func (m *PostmarkMailer) SecurityAlert(ctx context.Context, userID string, res anomaly.Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>High-risk activity on user %s (score %d).</p>", html.EscapeString(userID), res.RiskScore)
	if len(res.Reasons) > 0 {
		b.WriteString("<p>Findings:</p><ul>")
		for _, r := range res.Reasons {
			fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(r))
		}
		b.WriteString("</ul>")
	}
	if len(res.Recommendations) > 0 {
		b.WriteString("<p>Recommended actions:</p><ul>")
		for _, r := range res.Recommendations {
			fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(r))
		}
		b.WriteString("</ul>")
	}
	return m.send(ctx, m.cfg.SecurityAlerts, "security-alert",
		fmt.Sprintf("Security alert: risk %d on user %s", res.RiskScore, userID),
		b.String(),
		fmt.Sprintf("High-risk activity on user %s (score %d): %s", userID, res.RiskScore, strings.Join(res.Reasons, "; ")),
	)
}

func (m *PostmarkMailer) send(ctx context.Context, to, tag, subject, htmlBody, textBody string) error {
	ctx, span := tracer.Start(ctx, "postmark.send")
	defer span.End()
	span.SetAttributes(attribute.String("email.tag", tag))

	resp, err := m.client.SendEmail(ctx, postmark.Email{
		From:       m.cfg.From,
		To:         to,
		Subject:    subject,
		Tag:        tag,
		HTMLBody:   htmlBody,
		TextBody:   textBody,
		TrackOpens: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("postmark: send %s: %w", tag, err)
	}
	if resp.ErrorCode > 0 {
		err := fmt.Errorf("postmark: send %s: code %d: %s", tag, resp.ErrorCode, resp.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, strings.ToUpper(currency))
}
