package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultRobustIterations is the number of robustifying passes Loess makes
// after the initial fit.
const DefaultRobustIterations = 3

// Loess smooths y against x with locally weighted linear regression.
// x must be sorted ascending. frac is the share of points in each local
// window; iterations robustifying passes downweight outliers with bisquare
// weights. The result has one fitted value per input point.
func Loess(x, y []float64, frac float64, iterations int) []float64 {
	n := len(x)
	fitted := make([]float64, n)
	if n == 0 {
		return fitted
	}
	if n == 1 {
		fitted[0] = y[0]
		return fitted
	}

	k := int(frac*float64(n) + 1e-10)
	k = max(min(k, n), 2)

	robust := make([]float64, n)
	for i := range robust {
		robust[i] = 1
	}
	residuals := make([]float64, n)
	span := x[n-1] - x[0]

	for iter := 0; iter <= iterations; iter++ {
		left, right := 0, k-1
		for i := range n {
			for right < n-1 && x[i]-x[left] > x[right+1]-x[i] {
				left++
				right++
			}
			fitted[i] = localFit(x, y, robust, i, left, right, span)
		}
		if iter == iterations {
			break
		}

		for i := range n {
			residuals[i] = math.Abs(y[i] - fitted[i])
		}
		scale := floats.Sum(residuals) / float64(n)
		cmad := 6 * median(residuals)
		if cmad < 1e-7*scale || cmad == 0 {
			break
		}
		for i, r := range residuals {
			switch {
			case r <= 0.001*cmad:
				robust[i] = 1
			case r > 0.999*cmad:
				robust[i] = 0
			default:
				u := r / cmad
				robust[i] = (1 - u*u) * (1 - u*u)
			}
		}
	}
	return fitted
}

// localFit estimates y at x[i] from the window [left, right].
func localFit(x, y, robust []float64, i, left, right int, span float64) float64 {
	h := math.Max(x[i]-x[left], x[right]-x[i])
	lo, hi := 0.001*h, 0.999*h

	xs := x[left : right+1]
	ys := y[left : right+1]
	w := make([]float64, len(xs))
	for j, xj := range xs {
		d := math.Abs(xj - x[i])
		switch {
		case h == 0 || d <= lo:
			w[j] = robust[left+j]
		case d <= hi:
			u := d / h
			c := 1 - u*u*u
			w[j] = c * c * c * robust[left+j]
		}
	}
	if floats.Sum(w) <= 0 {
		return y[i]
	}

	mean := stat.Mean(xs, w)
	var spread float64
	for j, xj := range xs {
		spread += w[j] * (xj - mean) * (xj - mean)
	}
	spread /= floats.Sum(w)
	if h > 0 && math.Sqrt(spread) > 0.001*span {
		alpha, beta := stat.LinearRegression(xs, ys, w, false)
		return alpha + beta*x[i]
	}
	return stat.Mean(ys, w)
}

func median(v []float64) float64 {
	s := make([]float64, len(v))
	copy(s, v)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
