// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Plan submission (JSON graph or YAML plan document)
//   - Plan and node execution queries
//   - Node resumption, interrupts and barriers
//   - Health checks
//   - Prometheus metrics
package http
