package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/velomart/commerce-security-core/internal/authgate/app"
)

var (
	_ app.PaymentProvider = (*StripePayments)(nil)
	_ app.WebhookVerifier = (*StripeWebhookVerifier)(nil)
)

// StripePayments opens payment intents with Stripe. Amounts always come
// from the catalog-priced order, never from the client request.
type StripePayments struct {
	api *client.API
}

// NewStripePayments builds a client with its own HTTP timeout; provider
// calls sit on the checkout path and must not hang a request.
func NewStripePayments(secretKey string, timeout time.Duration) *StripePayments {
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripePayments{api: api}
}

// CreateIntent opens an intent for the order. Metadata ties the Stripe
// object back to the order and user for reconciliation.
func (p *StripePayments) CreateIntent(ctx context.Context, in app.PaymentIntentInput) (*app.PaymentIntent, error) {
	ctx, span := tracer.Start(ctx, "stripe.create_intent")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("payment.amount_cents", in.AmountCents),
		attribute.String("payment.currency", in.Currency),
	)

	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(in.AmountCents),
		Currency: stripe.String(in.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("orderId", in.OrderID)
	params.AddMetadata("userId", in.UserID)

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("stripe: create intent: %w", err)
	}
	return &app.PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// StripeWebhookVerifier authenticates webhook deliveries against the
// endpoint secret. Verification happens on the raw body before any JSON
// parsing; an unverified payload is never decoded.
type StripeWebhookVerifier struct {
	secret string
}

// NewStripeWebhookVerifier returns a verifier bound to the endpoint secret.
func NewStripeWebhookVerifier(secret string) *StripeWebhookVerifier {
	return &StripeWebhookVerifier{secret: secret}
}

// intentPayload is the slice of the event object the settlement flows read.
type intentPayload struct {
	ID               string `json:"id"`
	LastPaymentError struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// VerifyEvent checks the Stripe-Signature header and extracts the intent
// identity from the event object.
func (v *StripeWebhookVerifier) VerifyEvent(payload []byte, signatureHeader string) (*app.WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, v.secret)
	if err != nil {
		return nil, fmt.Errorf("stripe: verify webhook: %w", err)
	}

	var obj intentPayload
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("stripe: decode event object: %w", err)
	}

	return &app.WebhookEvent{
		Type:           string(event.Type),
		IntentID:       obj.ID,
		FailureMessage: obj.LastPaymentError.Message,
	}, nil
}
