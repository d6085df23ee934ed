package stages

import (
	"log/slog"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/engine/runtime"
	"github.com/polisai/polis-esb/pkg/schema"
	"github.com/polisai/polis-esb/pkg/transform"
)

type preloader interface {
	Preload(ref string) error
}

// Factory builds stages from descriptors using shared services.
type Factory struct {
	Validator   schema.Validator
	Transformer transform.Transformer
	Invoke      InvokeOptions
	Logger      *slog.Logger
}

// New constructs the stage described by desc. Schema and stylesheet
// references are resolved eagerly when the backing service supports it.
func (f *Factory) New(desc domain.StageDescriptor) (runtime.Stage, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch desc.Kind {
	case domain.StageValidate:
		s, err := NewValidate(desc, f.Validator)
		if err != nil {
			return nil, err
		}
		if err := preload(desc, f.Validator, s.Schema()); err != nil {
			return nil, err
		}
		return s, nil
	case domain.StageTransform:
		if err := preload(desc, f.Transformer, stringValue(desc.Config, "stylesheet")); err != nil {
			return nil, err
		}
		return NewTransform(desc, f.Transformer)
	case domain.StageSetHeader:
		return NewSetHeader(desc)
	case domain.StageInvokeHTTP:
		opts := f.Invoke
		if opts.Logger == nil {
			opts.Logger = logger
		}
		return NewInvokeHTTP(desc, opts)
	case domain.StageLog:
		return NewLog(desc, logger)
	case domain.StageExtract:
		return NewExtract(desc)
	default:
		return nil, configError(desc, "unknown stage kind %q", desc.Kind)
	}
}

func preload(desc domain.StageDescriptor, svc any, ref string) error {
	p, ok := svc.(preloader)
	if !ok || ref == "" {
		return nil
	}
	if err := p.Preload(ref); err != nil {
		return configError(desc, "%v", err)
	}
	return nil
}
