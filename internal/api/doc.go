// Package api hosts the HTTP server, middleware, and REST handlers for the
// scan core. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to admit a scan, GET /v1/snapshot for a consistent view.
//   - /v1/jobs/{job_id}/batches and /finish for crawler callbacks.
//   - /v1/channels, /v1/stats, /v1/posture and /v1/exports for the derived views.
package api
