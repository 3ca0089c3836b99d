package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/leapstack-labs/econmix/pkg/core"
)

// MissingInputError is returned before any node runs when an input can be
// neither produced, loaded nor resolved from parameters.
type MissingInputError struct {
	Node  string
	Input string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("node %q: input %q is not produced by the pipeline and not available in the catalog or parameters", e.Node, e.Input)
}

// NodeError wraps the failure of a single node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// RunOptions narrows the nodes a run executes. Empty fields select all
// nodes; non-empty fields are intersected.
type RunOptions struct {
	// Nodes runs exactly these nodes.
	Nodes []string
	// FromNodes runs these nodes and everything downstream of them.
	FromNodes []string
	// ToNodes runs these nodes and everything upstream of them.
	ToNodes []string
}

// NodeResult describes one executed node.
type NodeResult struct {
	Name    string
	Outputs []string
	Elapsed time.Duration
}

// Summary describes a completed run.
type Summary struct {
	RunID    string
	Pipeline string
	Nodes    []NodeResult
	Elapsed  time.Duration
}

// Runner executes pipelines against a catalog.
type Runner struct {
	catalog *Catalog
	params  map[string]any
	store   core.Store
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithParams sets the parameters that "params:<key>" inputs resolve from.
func WithParams(params map[string]any) RunnerOption {
	return func(r *Runner) { r.params = params }
}

// WithStore records runs in store.
func WithStore(store core.Store) RunnerOption {
	return func(r *Runner) { r.store = store }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner over catalog.
func NewRunner(catalog *Catalog, opts ...RunnerOption) *Runner {
	r := &Runner{
		catalog: catalog,
		params:  map[string]any{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runIDKey struct{}

// RunIDFromContext returns the ID of the run executing the current node,
// if the runner records runs.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// Plan returns the node names a run of p with opts would execute, in order.
func (r *Runner) Plan(p *Pipeline, opts RunOptions) ([]string, error) {
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	for _, sel := range [][]string{opts.Nodes, opts.FromNodes, opts.ToNodes} {
		for _, n := range sel {
			if _, ok := g.Node(n); !ok {
				return nil, fmt.Errorf("pipeline %q has no node %q", p.Name, n)
			}
		}
	}

	selected := g.Nodes()
	narrow := func(keep []string) {
		selected = slices.DeleteFunc(selected, func(n string) bool { return !slices.Contains(keep, n) })
	}
	if len(opts.Nodes) > 0 {
		narrow(opts.Nodes)
	}
	if len(opts.FromNodes) > 0 {
		narrow(g.Downstream(opts.FromNodes...))
	}
	if len(opts.ToNodes) > 0 {
		narrow(g.Upstream(opts.ToNodes...))
	}
	return g.Subgraph(selected).TopologicalSort()
}

// Run executes p. Every input is checked before the first node runs.
func (r *Runner) Run(ctx context.Context, p *Pipeline, opts RunOptions) (*Summary, error) {
	order, err := r.Plan(p, opts)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]Node, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes[n.Name] = n
	}
	if err := r.checkInputs(order, nodes); err != nil {
		return nil, err
	}

	summary := &Summary{Pipeline: p.Name}
	start := time.Now()
	if r.store != nil {
		run, err := r.store.CreateRun(p.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
		summary.RunID = run.ID
		ctx = context.WithValue(ctx, runIDKey{}, run.ID)
	}
	r.logger.Info("running pipeline", "pipeline", p.Name, "nodes", len(order), "run_id", summary.RunID)

	runErr := r.execute(ctx, order, nodes, summary)
	summary.Elapsed = time.Since(start)

	if r.store != nil {
		status, msg := core.RunStatusCompleted, ""
		if runErr != nil {
			status, msg = core.RunStatusFailed, runErr.Error()
		}
		if err := r.store.CompleteRun(summary.RunID, status, msg); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to record run completion: %w", err))
		}
	}
	if runErr != nil {
		return summary, runErr
	}
	r.logger.Info("pipeline complete", "pipeline", p.Name, "elapsed", summary.Elapsed)
	return summary, nil
}

func (r *Runner) execute(ctx context.Context, order []string, nodes map[string]Node, summary *Summary) error {
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := nodes[name]
		in := make(map[string]any, len(n.Inputs))
		for _, input := range n.Inputs {
			v, err := r.resolve(input)
			if err != nil {
				return &NodeError{Node: name, Err: err}
			}
			in[input] = v
		}

		r.logger.Info("running node", "node", name)
		nodeStart := time.Now()
		out, err := n.Func(ctx, in)
		if err != nil {
			r.logger.Error("node failed", "node", name, "error", err)
			return &NodeError{Node: name, Err: err}
		}
		for _, o := range n.Outputs {
			v, ok := out[o]
			if !ok {
				return &NodeError{Node: name, Err: fmt.Errorf("output %q was not returned", o)}
			}
			if err := r.catalog.Save(o, v); err != nil {
				return &NodeError{Node: name, Err: fmt.Errorf("failed to save %q: %w", o, err)}
			}
		}
		elapsed := time.Since(nodeStart)
		r.logger.Info("node complete", "node", name, "elapsed", elapsed)
		summary.Nodes = append(summary.Nodes, NodeResult{Name: name, Outputs: n.Outputs, Elapsed: elapsed})
	}
	return nil
}

func (r *Runner) checkInputs(order []string, nodes map[string]Node) error {
	available := make(map[string]bool)
	for _, name := range order {
		n := nodes[name]
		for _, in := range n.Inputs {
			if available[in] {
				continue
			}
			if IsParams(in) {
				if _, err := r.resolve(in); err != nil {
					return &MissingInputError{Node: name, Input: in}
				}
				continue
			}
			if !r.catalog.Exists(in) {
				return &MissingInputError{Node: name, Input: in}
			}
		}
		for _, out := range n.Outputs {
			available[out] = true
		}
	}
	return nil
}

func (r *Runner) resolve(input string) (any, error) {
	if input == AllParams {
		return r.params, nil
	}
	key, ok := strings.CutPrefix(input, ParamsPrefix)
	if !ok {
		return r.catalog.Load(input)
	}
	if v, ok := r.params[key]; ok {
		return v, nil
	}
	var cur any = r.params
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameters %q not found", key)
		}
		if cur, ok = m[part]; !ok {
			return nil, fmt.Errorf("parameters %q not found", key)
		}
	}
	return cur, nil
}
