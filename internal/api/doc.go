// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs, /v1/jobs/{name} and /v1/jobs/{name}/progress for job
//     records and persisted discovery/extraction progress.
//   - POST /v1/jobs/{name}/batch and /v1/jobs/{name}/reset to step a job.
//   - POST /v1/run to run every pending job in the background; GET /v1/run
//     reports the latest such run.
package api
