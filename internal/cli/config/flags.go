package config

import (
	"github.com/spf13/pflag"

	sharedcfg "github.com/leapstack-labs/econmix/internal/config"
)

// RegisterFlags adds the global configuration flags to fs. LoadConfig only
// reads flags that were explicitly set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default: ./econmix.yaml, searched upward)")
	fs.String("project-dir", "", "Project root that relative paths resolve against")
	fs.String("catalog", "", "Path to the data catalog")
	fs.String("parameters", "", "Path to the parameters file")
	fs.String("state", "", "Path to the state database")
	fs.String("staging-dir", "", "Parent directory for fit staging directories")
	fs.BoolP("verbose", "v", false, "Verbose output (debug logging)")
	fs.String("log-level", "", "Log level (debug|info|warn|error)")
	fs.StringP("output", "o", "", "Output format (auto|text|markdown|json)")
	fs.Int("concurrency", sharedcfg.DefaultConcurrency, "Maximum number of concurrent model fits")
	fs.String("engine", "", "Statistics engine type")
	fs.Duration("engine-timeout", sharedcfg.DefaultEngineTimeout, "Timeout of one engine fit")
	fs.Bool("degrade", false, "Return empty results instead of failing when a fit fails")
	fs.Bool("serialize", false, "Run one engine session at a time")
	fs.String("warehouse", "", "Warehouse type used by the rollup")
	fs.String("database", "", "Warehouse database (DuckDB path, empty for in-memory)")
}
