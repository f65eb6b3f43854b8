// Package progress reports batch lifecycle events. The engine emits an event
// when a batch starts, when each URL settles and when the batch ends; a
// non-blocking Hub batches them on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics or structured logs.
package progress
