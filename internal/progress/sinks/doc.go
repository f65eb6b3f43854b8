// Package sinks implements progress consumers for Prometheus and structured
// logging. Each sink satisfies progress.Sink.
package sinks
