// Package sinks implements concrete progress consumers: Prometheus
// collectors and structured logging. Each sink satisfies progress.Sink.
package sinks
