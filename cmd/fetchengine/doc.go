// Package main hosts the fetch engine service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, pool health, batch fetch and JSON POST endpoints.
//   - Host batching: internal/engine groups URLs by host and submits one task per host to the self-healing worker
//     pool in internal/pool. A monitor goroutine checks the pool every 30s and replaces lost workers.
//   - Fetch pipeline: every request passes the fixed-interval limiter (and the optional per-host token bucket) in
//     internal/policy/ratelimit, then retries under internal/policy/retry with exponential backoff. Host groups with
//     more than one URL fan out over HTTP/2 when multiplexing is on.
//   - Processing: bodies above the size threshold are parsed on the pool in internal/processor; smaller bodies and
//     POST responses are parsed inline.
//   - Observability: batches emit progress events into internal/progress (Prometheus and log sinks); each upstream
//     attempt sequence is an OpenTelemetry span, exported to the log when tracing.log_spans is set.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Shutdown order on SIGTERM: HTTP server, processing pool, monitor, then the worker pool (60s drain, 10s force),
//     then the progress hub and tracer provider.
//   - Environment overrides use the FETCHER_ prefix, e.g. FETCHER_ENGINE_WORKERS=20 or FETCHER_RETRY_MAX_RETRIES=5.
//     PORT overrides server.port.
//
// Quick checklist:
//   - Run locally: go run ./cmd/fetchengine -config config.yaml (or rely solely on env overrides).
//   - One-off fetches without the server: go run . fetch https://example.com/api.
package main
