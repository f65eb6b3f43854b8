// Package api hosts the HTTP server, middleware, and REST handlers that front
// the fetch engine. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks;
//     readyz reports 503 while the worker pool is below its target size.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pool/health for the pool health snapshot.
//   - POST /v1/fetch for host-batched GETs, POST /v1/post for JSON POSTs.
//   - POST /v1/headers to add a default header to every later request.
package api
