// Package domain defines the core message and route types for the ESB.
//
// This package has ZERO dependencies outside the Go standard library. It holds:
//
// - Envelope, the unit of work flowing between stages
// - Route and stage descriptors, the declarative shape of a pipeline
// - The error taxonomy shared by stages, the executor and the listener
// - Run records written by the run journal
//
// Infrastructure packages (engine, config, storage, telemetry) depend on these
// types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
