package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	sharedcfg "github.com/leapstack-labs/econmix/internal/config"
)

// EnvPrefix is the prefix of environment variables read into the config.
// A double underscore separates nested keys: ECONMIX_ENGINE__TIMEOUT sets
// engine.timeout.
const EnvPrefix = "ECONMIX_"

// loggerKey is used to store the logger in context.
type loggerKey struct{}

// Package-level koanf instance and config file tracking
var (
	k              = koanf.New(".")
	configFileUsed string
	currentConfig  *Config
)

// flagKeys maps flag names whose config key is not the snake_case flag name.
var flagKeys = map[string]string{
	"state":          "state_path",
	"engine":         "engine.type",
	"engine-timeout": "engine.timeout",
	"degrade":        "engine.degrade_on_failure",
	"serialize":      "engine.serialize",
	"warehouse":      "warehouse.type",
	"database":       "warehouse.database",
}

// flags that never map to config keys
var ignoredFlags = map[string]bool{
	"config":      true,
	"project-dir": true,
	"help":        true,
	"version":     true,
}

// ResetConfig resets the koanf instance. Used for testing.
func ResetConfig() {
	k = koanf.New(".")
	configFileUsed = ""
	currentConfig = nil
}

// inferProjectRoot determines the project root.
// Priority:
//  1. Explicit --project-dir flag
//  2. Directory of an explicit --config file
//  3. Search upward from CWD for econmix.yaml
//  4. Current working directory
func inferProjectRoot(cfgFile string, flags *pflag.FlagSet) string {
	if flags != nil && flags.Changed("project-dir") {
		if dir, _ := flags.GetString("project-dir"); dir != "" {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return filepath.Clean(dir)
		}
	}
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			return filepath.Dir(abs)
		}
	}
	cwd, err := os.Getwd()
	if err != nil || cwd == "" {
		return "."
	}
	if root := sharedcfg.FindProjectRoot(cwd); root != "" {
		return root
	}
	return cwd
}

// LoadConfig loads configuration from defaults, the config file,
// environment variables and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k = koanf.New(".")
	configFileUsed = ""

	projectRoot := inferProjectRoot(cfgFile, flags)

	// 1. Defaults
	d := Defaults()
	if err := k.Load(confmap.Provider(map[string]any{
		"catalog":            d.Catalog,
		"parameters":         d.Parameters,
		"state_path":         d.StatePath,
		"staging_dir":        "",
		"verbose":            false,
		"log_level":          d.LogLevel,
		"output":             d.Output,
		"concurrency":        d.Concurrency,
		"engine.type":        d.Engine.Type,
		"engine.timeout":     d.Engine.Timeout,
		"engine.serialize":   false,
		"warehouse.type":     d.Warehouse.Type,
		"warehouse.database": "",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if cfgFile == "" {
		cfgFile = sharedcfg.FindConfigFile(projectRoot)
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
		configFileUsed = cfgFile
	}

	// 3. Environment variables
	// Transform: ECONMIX_ENGINE__TIMEOUT -> engine.timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags (highest priority)
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || ignoredFlags[f.Name] {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Decode
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.Engine == nil {
		cfg.Engine = &EngineConfig{}
	}
	if cfg.Warehouse == nil {
		cfg.Warehouse = &WarehouseConfig{}
	}
	sharedcfg.ApplyEngineDefaults(cfg.Engine)
	sharedcfg.ApplyWarehouseDefaults(cfg.Warehouse)
	expandWarehouseEnvVars(cfg.Warehouse)
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	// 6. Resolve paths against the project root
	cfg.ProjectRoot = projectRoot
	cfg.Catalog = sharedcfg.ResolvePath(cfg.Catalog, projectRoot)
	cfg.Parameters = sharedcfg.ResolvePath(cfg.Parameters, projectRoot)
	cfg.StatePath = sharedcfg.ResolvePath(cfg.StatePath, projectRoot)
	cfg.StagingDir = sharedcfg.ResolvePath(cfg.StagingDir, projectRoot)
	cfg.Engine.Script = sharedcfg.ResolvePath(cfg.Engine.Script, projectRoot)
	if strings.EqualFold(cfg.Warehouse.Type, "duckdb") && cfg.Warehouse.Database != ":memory:" {
		cfg.Warehouse.Database = sharedcfg.ResolvePath(cfg.Warehouse.Database, projectRoot)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	currentConfig = &cfg
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// GetConfigFileUsed returns the path to the config file being used, if any.
func GetConfigFileUsed() string {
	return configFileUsed
}

// GetCurrentConfig returns the configuration loaded by the last successful
// LoadConfig call.
func GetCurrentConfig() *Config {
	return currentConfig
}

// LoggerKey returns the context key used for storing the logger.
// This allows the commands package to retrieve the logger from context
// without creating an import cycle with the cli package.
func LoggerKey() any {
	return loggerKey{}
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return slog.New(slog.DiscardHandler)
}

// NewLogger builds the CLI's text logger at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns with environment variable values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// expandWarehouseEnvVars expands environment variables in credential fields.
func expandWarehouseEnvVars(w *WarehouseConfig) {
	if w == nil {
		return
	}
	w.Password = expandEnvVars(w.Password)
	w.User = expandEnvVars(w.User)
	w.Host = expandEnvVars(w.Host)
	w.Database = expandEnvVars(w.Database)
}
