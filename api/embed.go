// Package api carries the OpenAPI document describing the Haven HTTP
// API, embedded so the server can serve its own reference.
package api

import _ "embed"

// OpenAPISpec is the raw YAML served at GET /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
