// Package governance holds the runtime safety controls of the ESB: the worker
// pool that bounds concurrent pipeline runs, per-route rate limits, stage
// timeouts and the opt-in retry policy used by outbound calls.
package governance
