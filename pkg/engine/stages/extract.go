package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/soap"
)

// Extract replaces the body with the first element of the given local name,
// typically unwrapping a payload from a SOAP body.
type Extract struct {
	element string
}

// NewExtract builds an extract stage. Config: element (required).
func NewExtract(desc domain.StageDescriptor) (*Extract, error) {
	element, err := requireString(desc, "element")
	if err != nil {
		return nil, err
	}
	return &Extract{element: element}, nil
}

// Process implements runtime.Stage.
func (s *Extract) Process(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return env, err
	}
	payload, err := soap.ExtractElement(env.Body(), s.element)
	switch {
	case errors.Is(err, soap.ErrElementNotFound):
		return env, domain.ValidationFailed(fmt.Sprintf("no <%s> element found in SOAP body", s.element), nil)
	case err != nil:
		return env, domain.ValidationFailed("malformed XML", err)
	}
	return env.WithBody(payload), nil
}
