package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	return x
}

func TestLoess_ReproducesLine(t *testing.T) {
	x := seq(10)
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 2*v + 1
	}
	for _, frac := range []float64{0.3, 0.6, 1} {
		got := Loess(x, y, frac, DefaultRobustIterations)
		require.Len(t, got, len(y))
		assert.InDeltaSlice(t, y, got, 1e-9, "frac %v", frac)
	}
}

func TestLoess_RobustToOutlier(t *testing.T) {
	x := seq(20)
	y := make([]float64, len(x))
	copy(y, x)
	y[10] = 100

	robust := Loess(x, y, 1, DefaultRobustIterations)
	plain := Loess(x, y, 1, 0)

	assert.InDelta(t, 10, robust[10], 0.5)
	assert.Greater(t, plain[10], robust[10], "without robust passes the outlier pulls the fit")
}

func TestLoess_SmallInputs(t *testing.T) {
	assert.Empty(t, Loess(nil, nil, 0.3, 3))
	assert.Equal(t, []float64{4}, Loess([]float64{0}, []float64{4}, 0.3, 3))

	got := Loess([]float64{0, 1}, []float64{1, 3}, 0.3, 3)
	assert.InDeltaSlice(t, []float64{1, 3}, got, 1e-9)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
}
