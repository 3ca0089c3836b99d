// Package config provides the project configuration types shared by the CLI
// and anything else that needs to build a warehouse or statistics engine from
// econmix.yaml.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/econmix/pkg/adapter"
	"github.com/leapstack-labs/econmix/pkg/engine"
)

// WarehouseConfig holds the warehouse the rollup stage runs in.
type WarehouseConfig struct {
	Type string `koanf:"type" validate:"required"` // duckdb, postgres

	// File-based databases (DuckDB). Empty means in-memory.
	Database string `koanf:"database"`

	// Network databases
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	Schema string `koanf:"schema"`

	// Additional driver-specific options (e.g. sslmode)
	Options map[string]string `koanf:"options"`

	// Params holds adapter-specific configuration (e.g. DuckDB extensions, settings)
	Params map[string]any `koanf:"params"`
}

// Validate checks the warehouse type against the adapter registry.
func (w *WarehouseConfig) Validate() error {
	if w.Type == "" {
		return fmt.Errorf("warehouse type is required")
	}
	if !adapter.IsRegistered(strings.ToLower(w.Type)) {
		return &adapter.UnknownAdapterError{
			Type:      w.Type,
			Available: adapter.ListAdapters(),
		}
	}
	return nil
}

// AdapterConfig converts the warehouse section into an adapter configuration.
func (w *WarehouseConfig) AdapterConfig() adapter.Config {
	return adapter.Config{
		Type:     strings.ToLower(w.Type),
		Path:     w.Database,
		Database: w.Database,
		Host:     w.Host,
		Port:     w.Port,
		Username: w.User,
		Password: w.Password,
		Schema:   w.Schema,
		Options:  w.Options,
		Params:   w.Params,
	}
}

// EngineConfig selects the statistics engine and how fits run on it.
type EngineConfig struct {
	Type    string         `koanf:"type" validate:"required"`
	Command string         `koanf:"command"`
	Args    []string       `koanf:"args"`
	Script  string         `koanf:"script"`
	Options map[string]any `koanf:"options"`

	// Timeout bounds one engine fit.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	// Serialize makes engine sessions mutually exclusive.
	Serialize bool `koanf:"serialize"`
	// DegradeOnFailure turns fit failures into empty, flagged results.
	DegradeOnFailure bool `koanf:"degrade_on_failure"`
}

// Validate checks the engine type against the engine registry.
func (e *EngineConfig) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("engine type is required")
	}
	if !engine.IsRegistered(e.Type) {
		return &engine.UnknownEngineError{Type: e.Type, Available: engine.List()}
	}
	return nil
}

// EngineSettings converts the engine section into an engine configuration.
func (e *EngineConfig) EngineSettings() engine.Config {
	return engine.Config{
		Type:    e.Type,
		Command: e.Command,
		Args:    e.Args,
		Script:  e.Script,
		Options: e.Options,
	}
}
