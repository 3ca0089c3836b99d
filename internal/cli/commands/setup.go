package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/econmix/internal/cli/config"
	"github.com/leapstack-labs/econmix/internal/cli/output"
	"github.com/leapstack-labs/econmix/internal/mixedmodel"
	"github.com/leapstack-labs/econmix/internal/state"
	"github.com/leapstack-labs/econmix/pkg/adapter"
	"github.com/leapstack-labs/econmix/pkg/engine"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Renderer *output.Renderer
}

// NewCommandContext builds a CommandContext from the loaded configuration
// and the logger stored in the command context.
func NewCommandContext(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.Output)),
	}
}

// getConfig returns the current configuration, or defaults when none was
// loaded (e.g. a command executed on its own in tests).
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	return config.Defaults()
}

// OpenStore opens the state database, creating its directory and bringing
// the schema up to date.
func (c *CommandContext) OpenStore() (*state.SQLiteStore, error) {
	dir := filepath.Dir(c.Cfg.StatePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store := state.NewSQLiteStore(c.Logger)
	if err := store.Open(c.Cfg.StatePath); err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// NewBatch builds the batch fitter described by the engine configuration.
func (c *CommandContext) NewBatch() (*mixedmodel.Batch, error) {
	ec := c.Cfg.Engine
	provider, err := engine.NewProvider(ec.EngineSettings(), c.Logger)
	if err != nil {
		return nil, err
	}
	opts := []mixedmodel.Option{
		mixedmodel.WithLogger(c.Logger),
		mixedmodel.WithTimeout(ec.Timeout),
		mixedmodel.WithStagingDir(c.Cfg.StagingDir),
	}
	if ec.Serialize {
		opts = append(opts, mixedmodel.WithSerializedSessions())
	}
	if ec.DegradeOnFailure {
		opts = append(opts, mixedmodel.WithDegradeOnFailure())
	}
	return mixedmodel.NewBatch(
		mixedmodel.NewFitter(provider, opts...),
		mixedmodel.WithConcurrency(c.Cfg.Concurrency),
		mixedmodel.WithBatchLogger(c.Logger),
	), nil
}

// Warehouse returns a function that connects to the configured warehouse.
func (c *CommandContext) Warehouse() func(ctx context.Context) (adapter.Adapter, error) {
	cfg := c.Cfg.Warehouse.AdapterConfig()
	return func(ctx context.Context) (adapter.Adapter, error) {
		a, err := adapter.NewAdapter(cfg, c.Logger)
		if err != nil {
			return nil, err
		}
		if err := a.Connect(ctx, cfg); err != nil {
			return nil, fmt.Errorf("failed to connect to %s warehouse: %w", cfg.Type, err)
		}
		return a, nil
	}
}
