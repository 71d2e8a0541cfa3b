// Package api hosts the HTTP server, middleware, and REST handlers.
// Routes:
//   - POST /api/scrape queues URLs for scraping.
//   - GET /api/media pages through stored media with type and search filters.
//   - GET /api/jobs and /api/jobs/{job_id} report job outcomes from the ledger.
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api
