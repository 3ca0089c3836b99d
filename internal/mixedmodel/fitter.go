// Package mixedmodel orchestrates hierarchical mixed-model fits: it repairs
// the grouping columns, compiles the formula, stages the data for the
// statistics engine, runs the engine under a timeout and assembles the
// result tables.
package mixedmodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/effects"
	"github.com/leapstack-labs/econmix/pkg/engine"
	"github.com/leapstack-labs/econmix/pkg/formula"
	"github.com/leapstack-labs/econmix/pkg/spec"
)

// DefaultTimeout bounds a single engine fit.
const DefaultTimeout = 30 * time.Minute

// Columns attached to the fitted rows.
const (
	ColPrediction = "pred"
	ColResidual   = "resid"
)

// Stage is a step of the fit lifecycle.
type Stage int

// Fit stages, in order. Any failure moves the fit to StageFailed.
const (
	StagePreparing Stage = iota
	StageFitting
	StagePostProcessing
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePreparing:
		return "preparing"
	case StageFitting:
		return "fitting"
	case StagePostProcessing:
		return "post-processing"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Result is the outcome of one fit.
type Result struct {
	// Rows is the input data with pred and resid attached. It never
	// contains the sentinel row added by level repair.
	Rows    *dataset.Dataset
	Fixed   *effects.FixedEffectsTable
	Random  *effects.RandomEffectsTable
	Formula formula.Formula
	Stage   Stage
	Elapsed time.Duration

	// Degraded is set when the fit failed and WithDegradeOnFailure turned
	// the failure into an empty result. Cause holds the failure.
	Degraded bool
	Cause    error
}

// Fitter runs fits against engines handed out by a provider.
type Fitter struct {
	provider   engine.Provider
	logger     *slog.Logger
	timeout    time.Duration
	stagingDir string
	degrade    bool
	serialize  bool
	observer   func(Stage)

	sessionMu sync.Mutex
}

// Option configures a Fitter.
type Option func(*Fitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fitter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTimeout bounds each engine fit. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(f *Fitter) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithStagingDir sets the parent directory for per-fit staging directories.
// The default is the system temporary directory.
func WithStagingDir(dir string) Option {
	return func(f *Fitter) { f.stagingDir = dir }
}

// WithSerializedSessions makes engine sessions mutually exclusive, for
// engines that share one runtime between instances.
func WithSerializedSessions() Option {
	return func(f *Fitter) { f.serialize = true }
}

// WithDegradeOnFailure turns a fit failure inside the engine into an empty
// Result with Degraded set instead of an error. Specification, shape and
// engine start-up errors are still returned.
func WithDegradeOnFailure() Option {
	return func(f *Fitter) { f.degrade = true }
}

// WithStageObserver registers fn to be called on every stage transition.
func WithStageObserver(fn func(Stage)) Option {
	return func(f *Fitter) { f.observer = fn }
}

// NewFitter creates a Fitter. provider is called once per fit.
func NewFitter(provider engine.Provider, opts ...Option) *Fitter {
	f := &Fitter{
		provider: provider,
		logger:   slog.New(slog.DiscardHandler),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fit fits s against data. data is not modified.
func (f *Fitter) Fit(ctx context.Context, data *dataset.Dataset, s *spec.ModelSpecification) (*Result, error) {
	start := time.Now()
	res, err := f.fit(ctx, data, s)
	if err != nil {
		f.enter(StageFailed)
		return nil, err
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func (f *Fitter) fit(ctx context.Context, data *dataset.Dataset, s *spec.ModelSpecification) (*Result, error) {
	f.enter(StagePreparing)

	groups := s.GroupingColumns()
	if len(groups) == 0 {
		return nil, &core.SpecificationError{Field: "hierarchy_levels", Reason: "a mixed model needs at least one grouping level"}
	}
	for _, c := range s.ReferencedColumns() {
		if !data.HasColumn(c) {
			return nil, &core.SpecificationError{Field: c, Reason: "column not found in dataset"}
		}
	}

	repaired, err := dataset.Repair(data, groups)
	if err != nil {
		return nil, err
	}
	if repaired.SentinelAdded {
		f.logger.Debug("added sentinel level", "columns", repaired.Marked)
	}

	form, err := formula.Compile(s)
	if err != nil {
		return nil, err
	}

	f.enter(StageFitting)
	f.logger.Info("fitting mixed model", "formula", form.String(), "rows", data.Len())
	raw, err := f.runEngine(ctx, repaired.Data, form, groups)
	if err != nil {
		f.logger.Error("model fit failed", "formula", form.String(), "error", err)
		if f.degrade && errors.Is(err, core.ErrFitFailure) {
			f.logger.Warn("returning degraded result", "formula", form.String())
			f.enter(StageFailed)
			return &Result{Formula: form, Stage: StageFailed, Degraded: true, Cause: err}, nil
		}
		return nil, err
	}

	f.enter(StagePostProcessing)
	rows := repaired.Data
	n := rows.Len()
	if len(raw.Predictions) != n {
		return nil, &core.ShapeMismatchError{Name: "predictions", Want: n, Got: len(raw.Predictions)}
	}
	if len(raw.Residuals) != n {
		return nil, &core.ShapeMismatchError{Name: "residuals", Want: n, Got: len(raw.Residuals)}
	}
	if err := rows.SetFloatColumn(ColPrediction, raw.Predictions); err != nil {
		return nil, err
	}
	if err := rows.SetFloatColumn(ColResidual, raw.Residuals); err != nil {
		return nil, err
	}
	rows = repaired.StripSentinel(rows)

	fixed, err := effects.AssembleFixed(raw.Effects, raw.Estimates, raw.StdErrs, raw.ZValues, raw.PValues, form.String())
	if err != nil {
		return nil, err
	}

	re := raw.RandomEffects
	if re == nil {
		re = dataset.New()
	}
	random, err := effects.AssembleRandom(re, raw.Variances, raw.DOFs, groups, s.PrimaryLevel())
	if err != nil {
		return nil, err
	}
	random.Data = repaired.StripSentinelLevels(random.Data)

	f.enter(StageDone)
	f.logger.Info("model fit complete",
		"formula", form.String(),
		"rows", rows.Len(),
		"fixed_effects", fixed.Len(),
		"groups", random.Len(),
	)
	return &Result{
		Rows:    rows,
		Fixed:   fixed,
		Random:  random,
		Formula: form,
		Stage:   StageDone,
	}, nil
}

// runEngine stages data, runs one engine session and always releases it.
func (f *Fitter) runEngine(ctx context.Context, data *dataset.Dataset, form formula.Formula, groups []string) (*engine.FitResult, error) {
	dir, err := os.MkdirTemp(f.stagingDir, "econmix-fit-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	var cleanupErrs []error
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("remove staging dir: %w", rmErr))
		}
		if joined := errors.Join(cleanupErrs...); joined != nil {
			f.logger.Warn("fit cleanup failed", "error", joined)
		}
	}()

	dataPath := filepath.Join(dir, "data.csv")
	if err := data.WriteCSVFile(dataPath); err != nil {
		return nil, fmt.Errorf("failed to stage data: %w", err)
	}

	if f.serialize {
		f.sessionMu.Lock()
		defer f.sessionMu.Unlock()
	}

	eng, err := f.provider()
	if err != nil {
		return nil, &core.EngineInitError{Engine: "provider", Err: err}
	}
	defer func() {
		if shErr := eng.Shutdown(); shErr != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("engine shutdown: %w", shErr))
		}
	}()

	if err := eng.Initialize(ctx); err != nil {
		return nil, &core.EngineInitError{Engine: eng.Name(), Err: err}
	}

	fitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	res, err := eng.Fit(fitCtx, engine.FitRequest{DataPath: dataPath, Formula: form.String(), Groups: groups})
	if err != nil {
		if errors.Is(fitCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return nil, &core.FitError{Formula: form.String(), Stage: "fit", Err: err}
	}
	if res == nil {
		return nil, &core.FitError{Formula: form.String(), Stage: "fit", Err: errors.New("engine returned no result")}
	}
	return res, nil
}

func (f *Fitter) enter(s Stage) {
	if f.observer != nil {
		f.observer(s)
	}
}
