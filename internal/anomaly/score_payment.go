package anomaly

import (
	"context"
	"time"

	"github.com/velomart/commerce-security-core/internal/audit"
)

// ScorePayment is the payment gate's combined check: the order-shaped rules
// plus the 24-hour payment-fraud rules. Intent creation is refused when the
// returned score reaches GateThreshold.
func (d *Detector) ScorePayment(ctx context.Context, in OrderInput) Result {
	ctx, span := tracer.Start(ctx, "anomaly.score_payment")
	defer span.End()

	score, reasons := d.orderRules(ctx, in)
	pScore, pReasons := d.paymentRules(ctx, in)
	score += pScore
	reasons = append(reasons, pReasons...)

	return d.finish(ctx, "payment_fraud", in.UserID, in.IP, score, reasons)
}

func (d *Detector) paymentRules(ctx context.Context, in OrderInput) (int, []string) {
	var score int
	var reasons []string

	events, err := d.events.FindSince(ctx, EventQuery{
		Types: []audit.EventType{
			audit.EventPaymentInitiated,
			audit.EventPaymentCompleted,
			audit.EventPaymentFailed,
			audit.EventPaymentRefunded,
		},
		UserID: in.UserID,
		Since:  d.clock.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		d.degrade(ctx, "payment history", err)
	} else {
		failed := 0
		ips := make(map[string]struct{})
		for _, e := range events {
			if e.EventType == audit.EventPaymentFailed {
				failed++
			}
			if e.Metadata.IP != "" {
				ips[e.Metadata.IP] = struct{}{}
			}
		}

		if failed > maxFailedPayments {
			score += weightRepeatedPaymentFailures
			reasons = append(reasons, "more than 3 failed payments in 24 hours")
		}
		if len(events) > maxPaymentEvents {
			score += weightPaymentBurst
			reasons = append(reasons, "more than 10 payment events in 24 hours")
		}
		if len(ips) > maxPaymentIPs {
			score += weightDistinctIPs
			reasons = append(reasons, "payments from more than 5 IPs in 24 hours")
		}
	}

	if in.AmountCents > largePaymentCents {
		score += weightLargePayment
		reasons = append(reasons, "payment amount above the review threshold")
	}

	return score, reasons
}
