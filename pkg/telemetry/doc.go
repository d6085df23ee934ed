// Package telemetry wires OpenTelemetry tracing and stage metrics for the
// integration engine, and exposes a Prometheus registry for the admin server.
//
// Spans and OTel instruments describe individual pipeline stages; the
// Prometheus collectors summarise listener traffic, worker pool pressure and
// downstream replies so operators can scrape them without a collector.
package telemetry
