// Package core defines the shared language of the econmix system.
//
// This package contains:
//   - Error kinds shared by the fitting pipeline (SpecificationError,
//     ShapeMismatchError, EngineInitError, FitError)
//   - Warehouse adapter configuration and row types
//   - Run and fit records persisted by the state store
//
// The Golden Rule: pkg/core imports ONLY the standard library.
// All other packages depend on core, not the reverse.
package core
