// Package config provides configuration management for the econmix CLI.
//
// The warehouse and engine sections reuse the shared types from
// internal/config; this package adds CLI-specific fields and the layered
// koanf loader.
package config

import (
	sharedcfg "github.com/leapstack-labs/econmix/internal/config"
)

// WarehouseConfig is an alias for the shared warehouse configuration.
type WarehouseConfig = sharedcfg.WarehouseConfig

// EngineConfig is an alias for the shared engine configuration.
type EngineConfig = sharedcfg.EngineConfig

// Config holds all CLI configuration options.
type Config struct {
	// ProjectRoot is the directory relative paths resolve against. It is
	// not read from configuration.
	ProjectRoot string `koanf:"-"`

	Catalog     string           `koanf:"catalog" validate:"required"`
	Parameters  string           `koanf:"parameters" validate:"required"`
	StatePath   string           `koanf:"state_path"`
	StagingDir  string           `koanf:"staging_dir"`
	Verbose     bool             `koanf:"verbose"`
	LogLevel    string           `koanf:"log_level" validate:"oneof=debug info warn error"`
	Output      string           `koanf:"output" validate:"oneof=auto text markdown json"`
	Concurrency int              `koanf:"concurrency" validate:"gte=1"`
	Engine      *EngineConfig    `koanf:"engine" validate:"required"`
	Warehouse   *WarehouseConfig `koanf:"warehouse" validate:"required"`
}

// Default configuration values.
const (
	DefaultCatalog    = sharedcfg.DefaultCatalog
	DefaultParameters = sharedcfg.DefaultParameters
	DefaultStateFile  = sharedcfg.DefaultStateFile
	DefaultLogLevel   = sharedcfg.DefaultLogLevel
	DefaultOutput     = "auto" // Auto-detect: TTY=text, non-TTY=markdown
)

// Defaults returns a configuration holding only default values, with paths
// left relative.
func Defaults() *Config {
	cfg := &Config{
		Catalog:     DefaultCatalog,
		Parameters:  DefaultParameters,
		StatePath:   DefaultStateFile,
		LogLevel:    DefaultLogLevel,
		Output:      DefaultOutput,
		Concurrency: sharedcfg.DefaultConcurrency,
		Engine:      &EngineConfig{},
		Warehouse:   &WarehouseConfig{},
	}
	sharedcfg.ApplyEngineDefaults(cfg.Engine)
	sharedcfg.ApplyWarehouseDefaults(cfg.Warehouse)
	return cfg
}
