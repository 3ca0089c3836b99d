package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds raised by the fitting pipeline.
// Typed errors below match their sentinel through errors.Is.
var (
	ErrSpecification = errors.New("specification error")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrEngineInit    = errors.New("engine initialization failure")
	ErrFitFailure    = errors.New("fit failure")
)

// SpecificationError reports a model specification that cannot be used,
// either because it is malformed or because it references a column the
// dataset does not have.
type SpecificationError struct {
	Field  string
	Reason string
}

func (e *SpecificationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("specification error: %s", e.Reason)
	}
	return fmt.Sprintf("specification error: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrSpecification.
func (e *SpecificationError) Is(target error) bool {
	return target == ErrSpecification
}

// ShapeMismatchError reports parallel sequences of inconsistent length.
type ShapeMismatchError struct {
	Name string
	Want int
	Got  int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s has %d values, want %d", e.Name, e.Got, e.Want)
}

// Is reports whether target is ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// EngineInitError reports a statistics engine that could not be started.
type EngineInitError struct {
	Engine string
	Err    error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("engine initialization failure (%s): %v", e.Engine, e.Err)
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// Is reports whether target is ErrEngineInit.
func (e *EngineInitError) Is(target error) bool {
	return target == ErrEngineInit
}

// FitError reports a model fit that failed inside or around the engine.
// Formula is the formula that was attempted.
type FitError struct {
	Formula string
	Stage   string
	Err     error
}

func (e *FitError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("fit failure for %q: %v", e.Formula, e.Err)
	}
	return fmt.Sprintf("fit failure during %s for %q: %v", e.Stage, e.Formula, e.Err)
}

func (e *FitError) Unwrap() error { return e.Err }

// Is reports whether target is ErrFitFailure.
func (e *FitError) Is(target error) bool {
	return target == ErrFitFailure
}
