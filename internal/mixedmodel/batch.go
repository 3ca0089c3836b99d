package mixedmodel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/formula"
	"github.com/leapstack-labs/econmix/pkg/spec"
)

// DefaultConcurrency is the number of fits a Batch runs at once.
const DefaultConcurrency = 2

// NamedResult pairs a fit result with its model name.
type NamedResult struct {
	Name   string
	Spec   *spec.ModelSpecification
	Result *Result
}

// ModelError is a fit failure of one named model in a batch. Formula is the
// formula that was attempted, empty when the specification did not compile.
type ModelError struct {
	Name    string
	Formula string
	Err     error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %q: %v", e.Name, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Batch fits several named specifications against the same data.
type Batch struct {
	fitter      *Fitter
	concurrency int
	logger      *slog.Logger
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithConcurrency sets the maximum number of concurrent fits.
func WithConcurrency(n int) BatchOption {
	return func(b *Batch) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithBatchLogger sets the logger for batch-level messages.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *Batch) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBatch creates a Batch around fitter. Every fit acquires its own engine
// instance through the fitter's provider.
func NewBatch(fitter *Fitter, opts ...BatchOption) *Batch {
	b := &Batch{
		fitter:      fitter,
		concurrency: DefaultConcurrency,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FitAll fits every model and returns results in input order. The first
// failure cancels fits that have not started and is returned as a
// *ModelError.
func (b *Batch) FitAll(ctx context.Context, data *dataset.Dataset, models []spec.Named) ([]NamedResult, error) {
	b.logger.Info("starting batch fit", "models", len(models), "concurrency", b.concurrency)
	start := time.Now()

	results := make([]NamedResult, len(models))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, m := range models {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := b.fitter.Fit(ctx, data, m.Spec)
			if err != nil {
				form, _ := formula.Compile(m.Spec)
				return &ModelError{Name: m.Name, Formula: form.String(), Err: err}
			}
			results[i] = NamedResult{Name: m.Name, Spec: m.Spec, Result: res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	b.logger.Info("batch fit complete", "models", len(models), "elapsed", time.Since(start))
	return results, nil
}
