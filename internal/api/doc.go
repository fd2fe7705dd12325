// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access, plus a small client used by the CLI. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST, GET and DELETE /v1/sites to add, list and remove sites.
//   - GET /v1/sites/status, POST /v1/sites/check and PATCH /v1/sites/interval
//     for per-site status, on-demand checks and interval edits.
package api
