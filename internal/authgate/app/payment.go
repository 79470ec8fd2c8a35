package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/velomart/commerce-security-core/internal/anomaly"
	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/observability"
)

// Provider event types the webhook handler settles orders on.
const (
	webhookIntentSucceeded = "payment_intent.succeeded"
	webhookIntentFailed    = "payment_intent.payment_failed"
)

// IntentItem is one requested order line: a catalog reference and a count,
// nothing price-shaped. Prices come from the catalog alone.
type IntentItem struct {
	ProductID string
	Quantity  int
}

// CreateIntentParams carries a payment-intent request.
type CreateIntentParams struct {
	UserID          string
	Items           []IntentItem
	ShippingAddress string
	Device          DeviceInfo
}

// IntentResult is the client-facing slice of a created intent.
type IntentResult struct {
	OrderID      string
	IntentID     string
	ClientSecret string
	AmountCents  int64
	Currency     string
}

// CreatePaymentIntent prices the requested items from the catalog, runs the
// order through the fraud gate, records it, and opens an intent with the
// payment provider. Requests the gate scores at or above the blocking
// threshold are declined before any money-moving call.
func (s *Service) CreatePaymentIntent(ctx context.Context, p CreateIntentParams) (*IntentResult, error) {
	ctx, span := tracer.Start(ctx, "payment.create_intent")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Validate the request shape.
	if len(p.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", domain.ErrValidation)
	}
	ids := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		id, err := domain.NormalizeObjectID(item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("%w: product id %q: %w", domain.ErrValidation, item.ProductID, err)
		}
		if item.Quantity < 1 || item.Quantity > 100 {
			return nil, fmt.Errorf("%w: quantity must be between 1 and 100", domain.ErrValidation)
		}
		ids = append(ids, id)
	}

	// 2. Price from the catalog. Every requested product must exist and
	// be purchasable.
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load products: %w", err)
	}
	byID := make(map[string]ProductRecord, len(products))
	for _, prod := range products {
		byID[prod.ID] = prod
	}

	var (
		amount   int64
		currency string
		lines    = make([]OrderItem, 0, len(p.Items))
	)
	for i, item := range p.Items {
		prod, ok := byID[ids[i]]
		if !ok || !prod.Active {
			return nil, fmt.Errorf("%w: product %s is not available", domain.ErrValidation, ids[i])
		}
		if currency == "" {
			currency = prod.Currency
		} else if currency != prod.Currency {
			return nil, fmt.Errorf("%w: mixed currencies in one order", domain.ErrValidation)
		}
		amount += prod.PriceCents * int64(item.Quantity)
		lines = append(lines, OrderItem{
			ProductID:  prod.ID,
			Name:       prod.Name,
			PriceCents: prod.PriceCents,
			Quantity:   item.Quantity,
		})
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: order total must be positive", domain.ErrValidation)
	}

	// 3. The fraud gate. The order does not exist yet, so the scorer sees
	// the candidate amount and address.
	verdict := s.anomaly.ScorePayment(ctx, anomaly.OrderInput{
		UserID:          p.UserID,
		AmountCents:     amount,
		ShippingAddress: p.ShippingAddress,
		IP:              p.Device.IP,
	})
	if verdict.RiskScore >= anomaly.GateThreshold {
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventSecurityFraudDetected,
			UserID:    p.UserID,
			Action:    "payment_blocked",
			Resource:  "payment",
			Metadata:  requestMeta(p.Device),
			Result:    audit.ResultFailure,
			RiskScore: verdict.RiskScore,
			Changes: &audit.Changes{
				After: map[string]any{
					"amountCents": amount,
					"reasons":     verdict.Reasons,
				},
			},
		})
		fraudGateTotal.Add(ctx, 1)
		logger.WarnContext(ctx, "payment.fraud_gate_blocked",
			"user_id", p.UserID,
			"risk_score", verdict.RiskScore,
			"reasons", verdict.Reasons,
		)
		return nil, domain.ErrFraudSuspected
	}

	// 4. Record the order before talking to the provider so a crash
	// between the two leaves an auditable pending row, not a mystery
	// charge.
	now := s.clock.Now().UTC()
	order := OrderRecord{
		UserID:          p.UserID,
		Items:           lines,
		AmountCents:     amount,
		Currency:        currency,
		Status:          domain.OrderPending,
		ShippingAddress: p.ShippingAddress,
		IP:              p.Device.IP,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	orderID, err := s.orders.Create(ctx, order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:       audit.EventPaymentInitiated,
		UserID:     p.UserID,
		Action:     "intent_created",
		Resource:   "order",
		ResourceID: orderID,
		Metadata:   requestMeta(p.Device),
		Result:     audit.ResultSuccess,
		RiskScore:  verdict.RiskScore,
		Changes: &audit.Changes{
			After: map[string]any{
				"amountCents": amount,
				"currency":    currency,
				"items":       len(lines),
			},
		},
	})

	// 5. Open the intent. A provider failure cancels the order so retries
	// start clean.
	intent, err := s.payments.CreateIntent(ctx, PaymentIntentInput{
		AmountCents: amount,
		Currency:    currency,
		OrderID:     orderID,
		UserID:      p.UserID,
	})
	if err != nil {
		if cancelErr := s.orders.UpdateStatus(ctx, orderID, domain.OrderCancelled); cancelErr != nil {
			logger.ErrorContext(ctx, "payment.cancel_after_provider_failure", "order_id", orderID, "error", cancelErr)
		}
		s.audit.Record(ctx, audit.Event{
			Type:         audit.EventPaymentFailed,
			UserID:       p.UserID,
			Action:       "intent_failed",
			Resource:     "order",
			ResourceID:   orderID,
			Metadata:     requestMeta(p.Device),
			Result:       audit.ResultFailure,
			ErrorMessage: "provider rejected intent creation",
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", domain.ErrProvider, err)
	}

	// 6. Bind the intent to the order and move it to processing.
	if err := s.orders.AttachIntent(ctx, orderID, intent.ID, intent.ClientSecret, domain.OrderProcessing); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("attach intent: %w", err)
	}

	logger.InfoContext(ctx, "payment.intent_created",
		"user_id", p.UserID,
		"order_id", orderID,
		"amount_cents", amount,
	)

	return &IntentResult{
		OrderID:      orderID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  amount,
		Currency:     currency,
	}, nil
}

// HandlePaymentWebhook authenticates a provider callback and settles the
// referenced order. Signature verification happens before anything else;
// event types outside the settlement set are acknowledged and dropped.
func (s *Service) HandlePaymentWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	ctx, span := tracer.Start(ctx, "payment.webhook")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	event, err := s.webhooks.VerifyEvent(payload, signatureHeader)
	if err != nil {
		webhookFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "bad_signature")))
		logger.WarnContext(ctx, "payment.webhook_rejected", "error", err)
		return fmt.Errorf("%w: %w", domain.ErrProvider, err)
	}

	switch event.Type {
	case webhookIntentSucceeded:
		return s.settleSucceeded(ctx, event)
	case webhookIntentFailed:
		return s.settleFailed(ctx, event)
	default:
		logger.InfoContext(ctx, "payment.webhook_ignored", "type", event.Type)
		return nil
	}
}

func (s *Service) settleSucceeded(ctx context.Context, event *WebhookEvent) error {
	ctx, span := tracer.Start(ctx, "payment.settle_succeeded")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	order, err := s.orders.FindByPaymentIntent(ctx, event.IntentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// An intent this service never created. Acknowledge so the
			// provider stops retrying, but leave a trace.
			webhookFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_intent")))
			logger.WarnContext(ctx, "payment.webhook_unknown_intent", "intent_id", event.IntentID)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("find order by intent: %w", err)
	}

	if order.Status == domain.OrderPaid {
		// Redelivery; settling is idempotent.
		return nil
	}
	if err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderPaid); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("mark order paid: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:       audit.EventPaymentCompleted,
		UserID:     order.UserID,
		Action:     "webhook_succeeded",
		Resource:   "order",
		ResourceID: order.ID,
		Result:     audit.ResultSuccess,
		Changes: &audit.Changes{
			Before: map[string]any{"status": string(order.Status)},
			After:  map[string]any{"status": string(domain.OrderPaid)},
		},
	})
	logger.InfoContext(ctx, "payment.settled", "order_id", order.ID, "amount_cents", order.AmountCents)

	// Post-settlement side effects run off the webhook path; the provider
	// has its acknowledgment either way.
	s.background(ctx, "cart_clear", func(bg context.Context) error {
		return s.carts.Clear(bg, order.UserID)
	})
	s.background(ctx, "payment_confirmation_email", func(bg context.Context) error {
		user, err := s.users.GetByID(bg, order.UserID)
		if err != nil {
			return fmt.Errorf("get user for confirmation: %w", err)
		}
		return s.email.SendPaymentConfirmation(bg, user.Email, order.ID, order.AmountCents, order.Currency)
	})

	return nil
}

func (s *Service) settleFailed(ctx context.Context, event *WebhookEvent) error {
	ctx, span := tracer.Start(ctx, "payment.settle_failed")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	order, err := s.orders.FindByPaymentIntent(ctx, event.IntentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			webhookFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unknown_intent")))
			logger.WarnContext(ctx, "payment.webhook_unknown_intent", "intent_id", event.IntentID)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("find order by intent: %w", err)
	}

	if order.Status == domain.OrderCancelled {
		return nil
	}
	if order.Status == domain.OrderPaid {
		// A stale failure event for an intent that later succeeded.
		logger.WarnContext(ctx, "payment.failure_event_after_settlement", "order_id", order.ID)
		return nil
	}
	if err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderCancelled); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("cancel order: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:         audit.EventPaymentFailed,
		UserID:       order.UserID,
		Action:       "webhook_failed",
		Resource:     "order",
		ResourceID:   order.ID,
		Result:       audit.ResultFailure,
		ErrorMessage: event.FailureMessage,
		Changes: &audit.Changes{
			Before: map[string]any{"status": string(order.Status)},
			After:  map[string]any{"status": string(domain.OrderCancelled)},
		},
	})
	logger.WarnContext(ctx, "payment.declined",
		"order_id", order.ID,
		"reason", event.FailureMessage,
	)

	return nil
}
