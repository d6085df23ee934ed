package stages

import (
	"context"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/transform"
)

// DefaultTransformContentType is recorded when neither the stage nor the
// stylesheet names an output media type.
const DefaultTransformContentType = "application/json"

type contentTyper interface {
	ContentType(ref string) (string, error)
}

// Transform renders the envelope body through a stylesheet and replaces the
// body with the result.
type Transform struct {
	ref         string
	contentType string
	transformer transform.Transformer
}

// NewTransform builds a transform stage. Config: stylesheet (required),
// content_type (optional).
func NewTransform(desc domain.StageDescriptor, transformer transform.Transformer) (*Transform, error) {
	if transformer == nil {
		return nil, configError(desc, "no transformer configured")
	}
	ref, err := requireString(desc, "stylesheet")
	if err != nil {
		return nil, err
	}

	ct := stringValue(desc.Config, "content_type")
	if ct == "" {
		if typer, ok := transformer.(contentTyper); ok {
			if declared, typeErr := typer.ContentType(ref); typeErr == nil {
				ct = declared
			}
		}
	}
	if ct == "" {
		ct = DefaultTransformContentType
	}

	return &Transform{ref: ref, contentType: ct, transformer: transformer}, nil
}

// Stylesheet returns the stylesheet reference.
func (s *Transform) Stylesheet() string {
	return s.ref
}

// Process implements runtime.Stage.
func (s *Transform) Process(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	out, err := s.transformer.Transform(ctx, env.Body(), s.ref)
	if err != nil {
		return env, domain.TransformFailed("", err)
	}
	return env.WithBody(out).WithContentType(s.contentType), nil
}
