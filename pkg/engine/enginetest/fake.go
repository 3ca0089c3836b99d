// Package enginetest provides a scriptable in-process engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/engine"
)

// Name is the engine type the fake reports.
const Name = "fake"

// Fake is an engine.Engine whose behaviour is set per test. The zero value
// is usable: Fit reads the staged CSV and returns zero predictions and
// residuals, one random-effect row per level of the first group and a
// single intercept term. A Fake is safe for concurrent use.
type Fake struct {
	// InitErr is returned by Initialize.
	InitErr error
	// ShutdownErr is returned by Shutdown.
	ShutdownErr error
	// FitFunc replaces the default Fit behaviour.
	FitFunc func(ctx context.Context, req engine.FitRequest) (*engine.FitResult, error)

	initialized atomic.Int32
	fits        atomic.Int32
	shutdowns   atomic.Int32
	active      atomic.Int32
	maxActive   atomic.Int32

	mu       sync.Mutex
	requests []engine.FitRequest
}

var _ engine.Engine = (*Fake)(nil)

// Provider returns an engine.Provider that always hands out f.
func (f *Fake) Provider() engine.Provider {
	return func() (engine.Engine, error) { return f, nil }
}

// Name implements engine.Engine.
func (f *Fake) Name() string { return Name }

// Initialize implements engine.Engine.
func (f *Fake) Initialize(_ context.Context) error {
	f.initialized.Add(1)
	return f.InitErr
}

// Fit implements engine.Engine.
func (f *Fake) Fit(ctx context.Context, req engine.FitRequest) (*engine.FitResult, error) {
	f.fits.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.FitFunc != nil {
		return f.FitFunc(ctx, req)
	}
	return DefaultFit(req)
}

// Shutdown implements engine.Engine.
func (f *Fake) Shutdown() error {
	f.shutdowns.Add(1)
	return f.ShutdownErr
}

// InitializeCalls returns how many times Initialize ran.
func (f *Fake) InitializeCalls() int { return int(f.initialized.Load()) }

// FitCalls returns how many times Fit ran.
func (f *Fake) FitCalls() int { return int(f.fits.Load()) }

// ShutdownCalls returns how many times Shutdown ran.
func (f *Fake) ShutdownCalls() int { return int(f.shutdowns.Load()) }

// MaxConcurrentFits returns the largest number of Fit calls that were in
// flight at the same time.
func (f *Fake) MaxConcurrentFits() int { return int(f.maxActive.Load()) }

// Requests returns the fit requests seen so far.
func (f *Fake) Requests() []engine.FitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.FitRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// DefaultFit produces a well-shaped result for the staged data in req.
func DefaultFit(req engine.FitRequest) (*engine.FitResult, error) {
	data, err := dataset.ReadCSVFile(req.DataPath)
	if err != nil {
		return nil, err
	}
	if len(req.Groups) == 0 {
		return nil, errors.New("no grouping columns")
	}

	n := data.Len()
	res := &engine.FitResult{
		Residuals:   make([]float64, n),
		Predictions: make([]float64, n),
		Effects:     []string{"(Intercept)"},
		Estimates:   []float64{1},
		StdErrs:     []float64{0.1},
		ZValues:     []float64{10},
		PValues:     []float64{0.001},
	}

	primary := req.Groups[0]
	re := dataset.New(primary, "(Intercept)")
	seen := map[string]bool{}
	for i := range n {
		level := data.String(i, primary)
		if seen[level] {
			continue
		}
		seen[level] = true
		if err := re.AppendRow([]any{level, 0.0}); err != nil {
			return nil, err
		}
		res.Variances = append(res.Variances, 1)
		res.DOFs = append(res.DOFs, float64(n-1))
	}
	res.RandomEffects = re
	return res, nil
}
