package engine_test

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/engine"
	"github.com/leapstack-labs/econmix/pkg/engine/enginetest"
)

func TestRegistry(t *testing.T) {
	engine.Register("test-registry", func(engine.Config, *slog.Logger) engine.Engine {
		return &enginetest.Fake{}
	})

	assert.True(t, engine.IsRegistered("test-registry"))
	assert.Contains(t, engine.List(), "test-registry")

	e, err := engine.New(engine.Config{Type: "test-registry"}, nil)
	require.NoError(t, err)
	assert.Equal(t, enginetest.Name, e.Name())

	provider, err := engine.NewProvider(engine.Config{Type: "test-registry"}, nil)
	require.NoError(t, err)
	e2, err := provider()
	require.NoError(t, err)
	assert.NotNil(t, e2)
}

func TestRegistry_Unknown(t *testing.T) {
	_, err := engine.New(engine.Config{Type: "does-not-exist"}, nil)
	require.Error(t, err)
	var unknown *engine.UnknownEngineError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "does-not-exist", unknown.Type)

	_, err = engine.NewProvider(engine.Config{}, nil)
	assert.Error(t, err)
}

func TestDecodeResult(t *testing.T) {
	doc := `{
	  "residuals": [0.1, -0.1],
	  "predictions": [1.0, 2.0],
	  "random_effects": {"columns": ["ppg_id", "(Intercept)"], "rows": [["A", 0.5], ["B", null]]},
	  "effects": ["(Intercept)", "log_price"],
	  "estimates": [1.5, -2.0],
	  "stderrs": [0.1, 0.2],
	  "z_values": [15, -10],
	  "p_values": [0.0, null],
	  "variances": [0.3, 0.4],
	  "dofs": [10, 10]
	}`

	res, err := engine.DecodeResult(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []float64{0.1, -0.1}, res.Residuals)
	assert.Equal(t, []string{"(Intercept)", "log_price"}, res.Effects)
	assert.True(t, math.IsNaN(res.PValues[1]))
	assert.Equal(t, 2, res.RandomEffects.Len())
	assert.Equal(t, "A", res.RandomEffects.Value(0, "ppg_id"))
	assert.Nil(t, res.RandomEffects.Value(1, "(Intercept)"))
}

func TestDecodeResult_Invalid(t *testing.T) {
	_, err := engine.DecodeResult(strings.NewReader("{"))
	assert.Error(t, err)

	_, err = engine.DecodeResult(strings.NewReader(`{"random_effects": {"columns": ["a"], "rows": [[1, 2]]}}`))
	assert.Error(t, err)
}

func TestEncodeResult_WritesNaNAsNull(t *testing.T) {
	re, err := dataset.FromRecords([]string{"ppg_id", "b"}, [][]any{{"A", math.NaN()}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, engine.EncodeResult(&buf, &engine.FitResult{
		Residuals:     []float64{1},
		Predictions:   []float64{2},
		RandomEffects: re,
		Effects:       []string{"x"},
		Estimates:     []float64{1},
		StdErrs:       []float64{1},
		ZValues:       []float64{1},
		PValues:       []float64{math.NaN()},
		Variances:     []float64{1},
		DOFs:          []float64{1},
	}))
	assert.Contains(t, buf.String(), `"p_values": [`)
	assert.NotContains(t, buf.String(), "NaN")

	back, err := engine.DecodeResult(&buf)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(back.PValues[0]))
	assert.Nil(t, back.RandomEffects.Value(0, "b"))
}
