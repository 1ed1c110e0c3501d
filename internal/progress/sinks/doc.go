// Package sinks holds progress.Sink implementations for structured logs and
// Prometheus.
package sinks
