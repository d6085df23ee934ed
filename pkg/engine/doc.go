// Package engine assembles routes into sequential pipelines and exposes them
// over HTTP.
//
// Architecture:
//
// executor.go  - Pipeline execution (strict stage order, timeouts, spans, metrics)
// observer.go  - Run lifecycle hooks and the journal-backed observer
// builder.go   - Route assembly from descriptors and the fluent route DSL
// registry.go  - Atomic route table with last-good-snapshot reloads
// listener.go  - SOAP-over-HTTP inbound listener (worker pool, faults)
// admin.go     - Health, readiness, metrics, route and run inspection endpoints
//
// A route is bound once into a Pipeline; requests never share envelopes and a
// failing stage halts the run with a *domain.PipelineError naming that stage.
package engine
