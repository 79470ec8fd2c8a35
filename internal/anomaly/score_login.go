package anomaly

import (
	"context"
	"time"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
)

// ScoreFailedLogins runs the failed-login pattern rules for an account and
// source IP: per-account and per-IP counts over the failed-login window, and
// the machine-paced timing rule over the last hour.
func (d *Detector) ScoreFailedLogins(ctx context.Context, userID, ip string) Result {
	ctx, span := tracer.Start(ctx, "anomaly.score_failed_logins")
	defer span.End()

	score, reasons := d.loginRules(ctx, userID, ip)
	return d.finish(ctx, "failed_login_pattern", userID, ip, score, reasons)
}

func (d *Detector) loginRules(ctx context.Context, userID, ip string) (int, []string) {
	var score int
	var reasons []string

	failedLogin := []audit.EventType{audit.EventSecurityFailedLogin}
	now := d.clock.Now()

	if userID != "" {
		entries, err := d.events.FindSince(ctx, EventQuery{
			Types:  failedLogin,
			UserID: userID,
			Since:  now.Add(-domain.FailedLoginWindow),
		})
		if err != nil {
			d.degrade(ctx, "account failed-login history", err)
		} else if len(entries) > maxAccountFailures {
			score += weightAccountFailedLogins
			reasons = append(reasons, "more than 5 failed logins for this account in 15 minutes")
		}
	}

	if ip != "" {
		recent, err := d.events.FindSince(ctx, EventQuery{
			Types: failedLogin,
			IP:    ip,
			Since: now.Add(-domain.FailedLoginWindow),
		})
		if err != nil {
			d.degrade(ctx, "IP failed-login history", err)
		} else if len(recent) > maxIPFailures {
			score += weightIPFailedLogins
			reasons = append(reasons, "more than 10 failed logins from this IP in 15 minutes")
		}

		hourly, err := d.events.FindSince(ctx, EventQuery{
			Types: failedLogin,
			IP:    ip,
			Since: now.Add(-time.Hour),
		})
		if err != nil {
			d.degrade(ctx, "hourly IP failed-login history", err)
		} else if n := len(hourly); n >= bruteForceMinAttempts {
			// Entries arrive ascending; mean gap over the whole run.
			elapsed := hourly[n-1].Timestamp.Sub(hourly[0].Timestamp)
			if elapsed/time.Duration(n-1) < bruteForceMeanGap {
				score += weightBruteForceTiming
				reasons = append(reasons, "machine-paced failed logins from this IP")
			}
		}
	}

	return score, reasons
}
