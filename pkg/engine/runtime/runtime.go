// Package runtime defines the contracts shared by the pipeline executor and stage
// implementations, keeping message handling decoupled from execution mechanics.
package runtime

import (
	"context"

	"github.com/polisai/polis-esb/pkg/domain"
)

// Stage transforms one envelope into the next. Implementations must not retain
// the envelope after returning and must honour ctx cancellation on any blocking
// call. A non-nil error halts the pipeline; it should be a *domain.StageError.
type Stage interface {
	Process(ctx context.Context, env domain.Envelope) (domain.Envelope, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, env domain.Envelope) (domain.Envelope, error)

// Process calls f.
func (f StageFunc) Process(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	return f(ctx, env)
}

// Closer is implemented by stages that hold resources such as connection pools.
type Closer interface {
	Close() error
}

type runIDKey struct{}

// WithRunID attaches the pipeline run identifier to ctx so stages can tag
// their log lines with it.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run identifier stored in ctx, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
