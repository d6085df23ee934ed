package stages

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/polisai/polis-esb/pkg/domain"
)

// Computed header sources accepted by the "from" option.
const (
	FromRouteID     = "route_id"
	FromContentType = "content_type"
	FromBodyLength  = "body_length"
	FromRequestID   = "request_id"
	FromUUID        = "uuid"

	fromHeaderPrefix = "header:"
)

// SetHeader assigns a header on the envelope, either a constant or a value
// computed from the envelope itself. It has no failure mode at run time.
type SetHeader struct {
	name  string
	value func(env domain.Envelope) string
}

// NewSetHeader builds a set-header stage. Config: header (required) and exactly
// one of value or from.
func NewSetHeader(desc domain.StageDescriptor) (*SetHeader, error) {
	name, err := requireString(desc, "header")
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, " \t\r\n:") {
		return nil, configError(desc, "invalid header name %q", name)
	}

	value, hasValue := desc.Config["value"]
	from := stringValue(desc.Config, "from")
	switch {
	case hasValue && from != "":
		return nil, configError(desc, "set-header accepts either \"value\" or \"from\", not both")
	case !hasValue && from == "":
		return nil, configError(desc, "set-header requires \"value\" or \"from\"")
	}

	s := &SetHeader{name: http.CanonicalHeaderKey(name)}
	if hasValue {
		constant := stringValue(desc.Config, "value")
		if strings.ContainsAny(constant, "\r\n") {
			return nil, configError(desc, "header value must not contain line breaks")
		}
		s.value = func(domain.Envelope) string { return constant }
		return s, nil
	}

	compute, err := computedValue(desc, from)
	if err != nil {
		return nil, err
	}
	s.value = compute
	return s, nil
}

func computedValue(desc domain.StageDescriptor, from string) (func(domain.Envelope) string, error) {
	switch {
	case from == FromRouteID:
		return func(env domain.Envelope) string { return env.RouteID() }, nil
	case from == FromContentType:
		return func(env domain.Envelope) string { return env.ContentType() }, nil
	case from == FromBodyLength:
		return func(env domain.Envelope) string { return strconv.Itoa(len(env.Body())) }, nil
	case from == FromRequestID:
		return func(env domain.Envelope) string { return env.RequestID() }, nil
	case from == FromUUID:
		return func(domain.Envelope) string { return uuid.NewString() }, nil
	case strings.HasPrefix(from, fromHeaderPrefix):
		source := strings.TrimSpace(strings.TrimPrefix(from, fromHeaderPrefix))
		if source == "" {
			return nil, configError(desc, "from %q names no header", from)
		}
		return func(env domain.Envelope) string {
			v, _ := env.Header(source)
			return v
		}, nil
	default:
		return nil, configError(desc, "unknown header source %q", from)
	}
}

// Header returns the canonical header name the stage assigns.
func (s *SetHeader) Header() string {
	return s.name
}

// Process implements runtime.Stage.
func (s *SetHeader) Process(_ context.Context, env domain.Envelope) (domain.Envelope, error) {
	return env.WithHeader(s.name, s.value(env)), nil
}
