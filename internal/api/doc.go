// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET/POST /api/items to list and create items.
//   - GET /health, /healthz and /ready for probes.
//   - GET /metrics for Prometheus scraping.
//
// Every request passes through request-ID, panic recovery, the telemetry
// observer, and CORS, in that order.
package api
