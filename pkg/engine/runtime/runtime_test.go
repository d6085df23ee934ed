package runtime

import (
	"context"
	"testing"

	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageFunc(t *testing.T) {
	var s Stage = StageFunc(func(_ context.Context, env domain.Envelope) (domain.Envelope, error) {
		return env.WithBody([]byte("changed")), nil
	})

	in := domain.NewEnvelope("r", []byte("original"), domain.Headers{})
	out, err := s.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(out.Body()))
	assert.Equal(t, "original", string(in.Body()))
}

func TestRunIDContext(t *testing.T) {
	assert.Empty(t, RunIDFrom(context.Background()))
	ctx := WithRunID(context.Background(), "run-1")
	assert.Equal(t, "run-1", RunIDFrom(ctx))
}
