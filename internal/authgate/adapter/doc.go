// Package adapter contains implementations of the interfaces defined in
// app: MongoDB document stores, Redis-backed security counters with an
// in-process fallback, the Stripe payment client, and the Postmark mailer.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authgate/adapter")
