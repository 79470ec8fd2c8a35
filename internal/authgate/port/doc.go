// Package port exposes the HTTP surface of the auth gateway: the Gin
// router, the request-gating middleware chain, and the handlers that
// translate JSON requests into app layer calls. Ports never contain
// business rules; every decision beyond request shape lives in app.
package port

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authgate/port")
