package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/econmix/internal/cli/output"
	"github.com/leapstack-labs/econmix/internal/pipeline"
	"github.com/leapstack-labs/econmix/pkg/spec"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	Pipeline  string
	Nodes     []string
	FromNodes []string
	ToNodes   []string
	DryRun    bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		Long: `Execute a registered pipeline against the data catalog.

Nodes run in dependency order. Inputs named params:<key> resolve from the
parameters file; every other input is loaded from the catalog, and outputs
are saved back to it. Each run is recorded in the state database.`,
		Example: `  # Run rollup, feature engineering and modelling
  econmix run

  # Run only the modelling pipeline
  econmix run --pipeline mixed_modelling

  # Run a node and everything downstream of it
  econmix run --from-nodes feature_engineering_node

  # Show the execution plan without running anything
  econmix run --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Pipeline, "pipeline", "p", pipeline.DefaultName, "Pipeline to run")
	cmd.Flags().StringSliceVar(&opts.Nodes, "nodes", nil, "Run only these nodes")
	cmd.Flags().StringSliceVar(&opts.FromNodes, "from-nodes", nil, "Run these nodes and everything downstream")
	cmd.Flags().StringSliceVar(&opts.ToNodes, "to-nodes", nil, "Run these nodes and everything upstream")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Print the execution order and exit")

	_ = cmd.RegisterFlagCompletionFunc("pipeline", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return pipeline.List(), cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runRun(cmd *cobra.Command, opts *RunOptions) error {
	c := NewCommandContext(cmd)
	r := c.Renderer

	catalog, err := pipeline.LoadCatalog(c.Cfg.Catalog, c.Cfg.ProjectRoot)
	if err != nil {
		return err
	}
	params, err := spec.LoadParams(c.Cfg.Parameters, "")
	if err != nil {
		return err
	}
	batch, err := c.NewBatch()
	if err != nil {
		return err
	}
	store, err := c.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	env := &pipeline.Env{
		Warehouse:  c.Warehouse(),
		Batch:      batch,
		Store:      store,
		StagingDir: c.Cfg.StagingDir,
		Logger:     c.Logger,
	}
	p, err := pipeline.Build(opts.Pipeline, env)
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(catalog,
		pipeline.WithParams(params),
		pipeline.WithStore(store),
		pipeline.WithRunnerLogger(c.Logger),
	)
	runOpts := pipeline.RunOptions{Nodes: opts.Nodes, FromNodes: opts.FromNodes, ToNodes: opts.ToNodes}

	if opts.DryRun {
		order, err := runner.Plan(p, runOpts)
		if err != nil {
			return err
		}
		return renderPlan(r, p.Name, order)
	}

	summary, runErr := runner.Run(cmd.Context(), p, runOpts)
	if summary != nil {
		if err := renderSummary(r, summary, runErr); err != nil {
			return err
		}
	}
	return runErr
}

func renderPlan(r *output.Renderer, name string, order []string) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(map[string]any{"pipeline": name, "nodes": order})
	}
	r.Header(fmt.Sprintf("Plan for %s (%d nodes)", name, len(order)))
	for i, n := range order {
		r.Printf("%d. %s\n", i+1, n)
	}
	return nil
}

type nodeJSON struct {
	Name      string   `json:"name"`
	Outputs   []string `json:"outputs"`
	ElapsedMS int64    `json:"elapsed_ms"`
}

type summaryJSON struct {
	RunID     string     `json:"run_id,omitempty"`
	Pipeline  string     `json:"pipeline"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms"`
	Nodes     []nodeJSON `json:"nodes"`
}

func renderSummary(r *output.Renderer, s *pipeline.Summary, runErr error) error {
	status := "completed"
	if runErr != nil {
		status = "failed"
	}

	if r.EffectiveMode() == output.ModeJSON {
		out := summaryJSON{
			RunID:     s.RunID,
			Pipeline:  s.Pipeline,
			Status:    status,
			ElapsedMS: s.Elapsed.Milliseconds(),
			Nodes:     make([]nodeJSON, 0, len(s.Nodes)),
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		for _, n := range s.Nodes {
			out.Nodes = append(out.Nodes, nodeJSON{Name: n.Name, Outputs: n.Outputs, ElapsedMS: n.Elapsed.Milliseconds()})
		}
		return r.JSON(out)
	}

	r.Header("Pipeline " + s.Pipeline)
	rows := make([][]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		rows = append(rows, []string{n.Name, strings.Join(n.Outputs, ", "), n.Elapsed.Round(time.Millisecond).String()})
	}
	r.Table([]string{"node", "outputs", "elapsed"}, rows)

	msg := fmt.Sprintf("%s in %s", status, s.Elapsed.Round(time.Millisecond))
	if s.RunID != "" {
		msg = fmt.Sprintf("Run %s %s", s.RunID, msg)
	}
	if runErr != nil {
		r.Error(msg)
		return nil
	}
	r.Success(msg)
	return nil
}
