package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/schema"
)

// Validate checks the envelope body against an XSD schema and passes the
// envelope through unchanged when it conforms.
type Validate struct {
	ref       string
	validator schema.Validator
}

// NewValidate builds a validate stage. Config: schema (required).
func NewValidate(desc domain.StageDescriptor, validator schema.Validator) (*Validate, error) {
	if validator == nil {
		return nil, configError(desc, "no schema validator configured")
	}
	ref, err := requireString(desc, "schema")
	if err != nil {
		return nil, err
	}
	return &Validate{ref: ref, validator: validator}, nil
}

// Schema returns the schema reference.
func (s *Validate) Schema() string {
	return s.ref
}

// Process implements runtime.Stage.
func (s *Validate) Process(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	err := s.validator.Validate(ctx, env.Body(), s.ref)
	if err == nil {
		return env, nil
	}

	var verr *schema.Error
	if errors.As(err, &verr) && verr.Malformed {
		return env, domain.ValidationFailed("malformed XML", err)
	}
	if errors.As(err, &verr) {
		return env, domain.ValidationFailed("", err)
	}
	return env, domain.ValidationFailed(fmt.Sprintf("schema %s", s.ref), err)
}
