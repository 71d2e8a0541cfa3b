// Package sinks implements progress consumers: a structured log sink and a
// Prometheus sink registered against an injected registry.
package sinks
