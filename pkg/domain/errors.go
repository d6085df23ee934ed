package domain

import (
	"errors"
	"fmt"
)

// Common domain errors. Stage failures wrap exactly one of the kind sentinels so
// callers can classify with errors.Is.
var (
	ErrValidationFailed = errors.New("validation failed")
	ErrTransformFailed  = errors.New("transform failed")
	ErrNetworkFailed    = errors.New("network failure")
	ErrDownstreamError  = errors.New("downstream error")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrRouteNotFound    = errors.New("route not found")
	ErrRunNotFound      = errors.New("run not found")
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindValidationFailed ErrorKind = "ValidationFailed"
	KindTransformFailed  ErrorKind = "TransformFailed"
	KindNetworkFailed    ErrorKind = "NetworkFailed"
	KindDownstreamError  ErrorKind = "DownstreamError"
	KindConfiguration    ErrorKind = "ConfigurationError"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidationFailed:
		return ErrValidationFailed
	case KindTransformFailed:
		return ErrTransformFailed
	case KindNetworkFailed:
		return ErrNetworkFailed
	case KindDownstreamError:
		return ErrDownstreamError
	case KindConfiguration:
		return ErrConfigInvalid
	default:
		return nil
	}
}

// StageError is the error returned by a stage when it cannot process an envelope.
type StageError struct {
	Kind    ErrorKind
	Details string
	// Status is the downstream HTTP status for DownstreamError, otherwise zero.
	Status int
	Err    error
}

func (e *StageError) Error() string {
	msg := string(e.Kind)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ValidationFailed reports a document that does not conform to its schema.
func ValidationFailed(details string, cause error) *StageError {
	return &StageError{Kind: KindValidationFailed, Details: details, Err: cause}
}

// TransformFailed reports a transformation engine failure.
func TransformFailed(details string, cause error) *StageError {
	return &StageError{Kind: KindTransformFailed, Details: details, Err: cause}
}

// NetworkFailed reports a connection, DNS or timeout failure talking downstream.
func NetworkFailed(cause error) *StageError {
	return &StageError{Kind: KindNetworkFailed, Err: cause}
}

// DownstreamError reports a non-2xx downstream response.
func DownstreamError(status int) *StageError {
	return &StageError{
		Kind:    KindDownstreamError,
		Details: fmt.Sprintf("downstream responded %d", status),
		Status:  status,
	}
}

// PipelineError is returned by Pipeline.Run when a stage fails. It names the
// failing stage and wraps the stage error.
type PipelineError struct {
	RouteID string
	Stage   string
	Index   int
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("route %s: stage %d (%s): %v", e.RouteID, e.Index, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Kind returns the classification of the wrapped stage error.
func (e *PipelineError) Kind() ErrorKind {
	return KindOf(e.Err)
}

// KindOf classifies err. Errors that carry no kind are reported as
// TransformFailed, the most general processing failure.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ce *ConfigurationError
	switch {
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.Is(err, ErrValidationFailed):
		return KindValidationFailed
	case errors.Is(err, ErrNetworkFailed):
		return KindNetworkFailed
	case errors.Is(err, ErrDownstreamError):
		return KindDownstreamError
	default:
		return KindTransformFailed
	}
}

// ConfigurationError reports a route that cannot be assembled. It is raised at
// startup or on reload, never while a request is in flight.
type ConfigurationError struct {
	Route  string
	Stage  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Route != "" && e.Stage != "":
		return fmt.Sprintf("route %q stage %q: %s", e.Route, e.Stage, e.Reason)
	case e.Route != "":
		return fmt.Sprintf("route %q: %s", e.Route, e.Reason)
	default:
		return e.Reason
	}
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigInvalid
}

// ErrorResponse defines the JSON error model returned by admin APIs.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., ROUTE_NOT_FOUND)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
