package core

import "time"

// Store defines the interface for run and fit history.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// Run operations
	CreateRun(pipeline string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	ListRuns(limit int) ([]*Run, error)

	// Fit operations
	RecordFit(fit *FitRecord) error
	GetFitsForRun(runID string) ([]*FitRecord, error)
	GetFixedEffects(fitID string) ([]FixedEffectRecord, error)
}

// RunStatus represents the status of a pipeline run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents a single pipeline execution.
type Run struct {
	ID          string
	Pipeline    string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// FitStatus represents the outcome of one model fit.
type FitStatus string

// Fit status constants.
const (
	FitStatusSuccess  FitStatus = "success"
	FitStatusFailed   FitStatus = "failed"
	FitStatusDegraded FitStatus = "degraded"
)

// FitRecord is a persisted model fit within a run.
type FitRecord struct {
	ID           string
	RunID        string
	Name         string
	Formula      string
	Status       FitStatus
	Rows         int
	Error        string
	ExecutionMS  int64
	CreatedAt    time.Time
	FixedEffects []FixedEffectRecord
}

// FixedEffectRecord is one persisted fixed-effect row.
type FixedEffectRecord struct {
	Effect      string
	Estimate    float64
	StdErr      float64
	ZValue      float64
	PValue      float64
	Significant bool
}
