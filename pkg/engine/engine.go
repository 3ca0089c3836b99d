// Package engine defines the boundary to the external statistics engine that
// fits mixed-effects models.
//
// An Engine is a caller-owned resource: acquire one, Initialize it, call Fit
// any number of times, and always Shutdown. Implementations register a
// factory by name, in the same way warehouse adapters do.
package engine

import (
	"context"
	"log/slog"

	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// Engine fits a model formula against a staged dataset.
type Engine interface {
	// Name returns the registered engine type.
	Name() string
	// Initialize starts or loads the engine runtime.
	Initialize(ctx context.Context) error
	// Fit fits req.Formula against the CSV at req.DataPath.
	Fit(ctx context.Context, req FitRequest) (*FitResult, error)
	// Shutdown releases everything Initialize acquired. It is safe to call
	// after a failed Initialize.
	Shutdown() error
}

// FitRequest is one fit call.
type FitRequest struct {
	// DataPath is a comma-separated file with a header row.
	DataPath string
	Formula  string
	// Groups lists the grouping columns, primary first.
	Groups []string
}

// FitResult is the raw output of a fit.
type FitResult struct {
	Residuals   []float64
	Predictions []float64
	// RandomEffects has one row per grouping-factor level.
	RandomEffects *dataset.Dataset

	Effects   []string
	Estimates []float64
	StdErrs   []float64
	ZValues   []float64
	PValues   []float64

	// Variances and DOFs are parallel to the rows of RandomEffects.
	Variances []float64
	DOFs      []float64
}

// Config selects and configures an engine implementation.
type Config struct {
	Type    string         `json:"type" yaml:"type"`
	Command string         `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string       `json:"args,omitempty" yaml:"args,omitempty"`
	Script  string         `json:"script,omitempty" yaml:"script,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Factory constructs an engine for cfg.
type Factory func(cfg Config, logger *slog.Logger) Engine

// Provider hands out a fresh engine instance for each fit.
type Provider func() (Engine, error)

// NewProvider returns a Provider that builds engines of cfg.Type from the
// registry.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	if _, err := lookup(cfg.Type); err != nil {
		return nil, err
	}
	return func() (Engine, error) {
		return New(cfg, logger)
	}, nil
}
