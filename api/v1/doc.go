// Package apiv1 embeds the OpenAPI document for the auth gateway.
package apiv1

import _ "embed"

// Spec contains the OpenAPI 3.0 JSON document describing the /api/v1
// surface. It is embedded at compile time so the binary serves its own
// contract from scratch-based production images.
//
//go:embed openapi.json
var Spec []byte
