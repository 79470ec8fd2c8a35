package anomaly

import (
	"context"
	"time"
)

// OrderInput describes the candidate activity being scored. The order does
// not exist yet when the payment gate runs, so the amount and address come
// from the request rather than storage.
type OrderInput struct {
	UserID          string
	AmountCents     int64
	ShippingAddress string
	IP              string
}

// ScoreOrder runs the order-shaped rules: amount against the account's
// recent average, unseen shipping address on a high-value order, first-order
// and absolute amount thresholds, and creation-rate bursts.
func (d *Detector) ScoreOrder(ctx context.Context, in OrderInput) Result {
	ctx, span := tracer.Start(ctx, "anomaly.score_order")
	defer span.End()

	score, reasons := d.orderRules(ctx, in)
	return d.finish(ctx, "order_anomaly", in.UserID, in.IP, score, reasons)
}

func (d *Detector) orderRules(ctx context.Context, in OrderInput) (int, []string) {
	var score int
	var reasons []string

	history, err := d.orders.RecentByUser(ctx, in.UserID, orderHistoryDepth)
	switch {
	case err != nil:
		d.degrade(ctx, "order history", err)
	case len(history) == 0:
		if in.AmountCents > firstOrderHighCents {
			score += weightFirstLargeOrder
			reasons = append(reasons, "first order with a large amount")
		}
	default:
		var total int64
		for _, o := range history {
			total += o.AmountCents
		}
		avg := total / int64(len(history))

		highValue := avg > 0 && in.AmountCents > highValueMultiplier*avg
		if highValue {
			score += weightOrderAboveAverage
			reasons = append(reasons, "amount exceeds 3x the account average")
		}
		if in.ShippingAddress != "" &&
			(highValue || in.AmountCents > veryLargeOrderCents) &&
			!addressSeen(history, in.ShippingAddress) {
			score += weightUnseenAddress
			reasons = append(reasons, "unseen shipping address on a high-value order")
		}
	}

	if in.AmountCents > veryLargeOrderCents {
		score += weightVeryLargeOrder
		reasons = append(reasons, "amount above the absolute review threshold")
	}

	now := d.clock.Now()
	if hourly, err := d.orders.CountSince(ctx, in.UserID, now.Add(-time.Hour)); err != nil {
		d.degrade(ctx, "hourly order count", err)
	} else if hourly > maxOrdersPerHour {
		score += weightHourlyOrderBurst
		reasons = append(reasons, "more than 5 orders in the last hour")
	}
	if daily, err := d.orders.CountSince(ctx, in.UserID, now.Add(-24*time.Hour)); err != nil {
		d.degrade(ctx, "daily order count", err)
	} else if daily > maxOrdersPerDay {
		score += weightDailyOrderBurst
		reasons = append(reasons, "more than 20 orders in the last 24 hours")
	}

	return score, reasons
}

func addressSeen(history []OrderSummary, address string) bool {
	for _, o := range history {
		if o.ShippingAddress == address {
			return true
		}
	}
	return false
}
