package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageError_IsKindAndCause(t *testing.T) {
	err := NetworkFailed(context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrNetworkFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrValidationFailed)
}

func TestPipelineError_Classification(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{ValidationFailed("bad qty", nil), KindValidationFailed},
		{TransformFailed("no root", errors.New("eof")), KindTransformFailed},
		{NetworkFailed(errors.New("connection refused")), KindNetworkFailed},
		{DownstreamError(503), KindDownstreamError},
		{&ConfigurationError{Route: "r", Reason: "x"}, KindConfiguration},
		{fmt.Errorf("wrapped: %w", ErrValidationFailed), KindValidationFailed},
		{errors.New("boom"), KindTransformFailed},
	}
	for _, tc := range cases {
		perr := &PipelineError{RouteID: "r", Stage: "s", Err: tc.err}
		assert.Equal(t, tc.want, perr.Kind(), tc.err.Error())
	}
}

func TestPipelineError_Unwrap(t *testing.T) {
	perr := error(&PipelineError{RouteID: "order", Stage: "forward", Index: 6, Err: DownstreamError(500)})

	var se *StageError
	require.ErrorAs(t, perr, &se)
	assert.Equal(t, 500, se.Status)
	assert.ErrorIs(t, perr, ErrDownstreamError)
	assert.Contains(t, perr.Error(), "stage 6 (forward)")
}

func TestConfigurationError_Message(t *testing.T) {
	assert.Equal(t, `route "r" stage "v": missing schema`, (&ConfigurationError{Route: "r", Stage: "v", Reason: "missing schema"}).Error())
	assert.Equal(t, `route "r": no stages`, (&ConfigurationError{Route: "r", Reason: "no stages"}).Error())
	assert.ErrorIs(t, &ConfigurationError{Reason: "x"}, ErrConfigInvalid)
}
