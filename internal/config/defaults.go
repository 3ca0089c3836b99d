package config

import (
	"strings"

	"github.com/leapstack-labs/econmix/internal/mixedmodel"
)

// Default configuration values.
const (
	DefaultCatalog       = "conf/catalog.yml"
	DefaultParameters    = "conf/parameters.yml"
	DefaultStateFile     = ".econmix/state.db"
	DefaultLogLevel      = "info"
	DefaultWarehouseType = "duckdb"
	DefaultEngineType    = "julia"
	DefaultConcurrency   = mixedmodel.DefaultConcurrency
	DefaultEngineTimeout = mixedmodel.DefaultTimeout
	DefaultPostgresPort  = 5432
)

// ApplyWarehouseDefaults fills unset warehouse fields based on the type.
func ApplyWarehouseDefaults(w *WarehouseConfig) {
	if w == nil {
		return
	}
	if w.Type == "" {
		w.Type = DefaultWarehouseType
	}
	if strings.EqualFold(w.Type, "postgres") {
		if w.Port == 0 {
			w.Port = DefaultPostgresPort
		}
		if w.Schema == "" {
			w.Schema = "public"
		}
	}
}

// ApplyEngineDefaults fills unset engine fields.
func ApplyEngineDefaults(e *EngineConfig) {
	if e == nil {
		return
	}
	if e.Type == "" {
		e.Type = DefaultEngineType
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultEngineTimeout
	}
}
