package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds_MatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{
			name:     "specification",
			err:      &SpecificationError{Field: "target", Reason: "must not be empty"},
			sentinel: ErrSpecification,
			contains: "target: must not be empty",
		},
		{
			name:     "specification without field",
			err:      &SpecificationError{Reason: "no levels"},
			sentinel: ErrSpecification,
			contains: "specification error: no levels",
		},
		{
			name:     "shape mismatch",
			err:      &ShapeMismatchError{Name: "p_values", Want: 3, Got: 2},
			sentinel: ErrShapeMismatch,
			contains: "p_values has 2 values, want 3",
		},
		{
			name:     "engine init",
			err:      &EngineInitError{Engine: "subprocess", Err: errors.New("julia not found")},
			sentinel: ErrEngineInit,
			contains: "julia not found",
		},
		{
			name:     "fit failure",
			err:      &FitError{Formula: "y ~ 1", Stage: "fitting", Err: errors.New("singular")},
			sentinel: ErrFitFailure,
			contains: `during fitting for "y ~ 1"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("pipeline: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Contains(t, tt.err.Error(), tt.contains)
		})
	}
}

func TestFitError_UnwrapsCause(t *testing.T) {
	err := &FitError{Formula: "y ~ x", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrFitFailure)
	assert.NotErrorIs(t, err, ErrShapeMismatch)
}
