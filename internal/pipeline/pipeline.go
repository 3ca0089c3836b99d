// Package pipeline composes processing nodes into named pipelines and runs
// them against a data catalog in dependency order.
//
// A node declares the datasets it reads and writes by name. Inputs of the
// form "params:<key>" resolve to a section of the parameters file; every
// other name is loaded from the catalog. Outputs are saved through the
// catalog, so a dataset with no catalog entry lives in memory for the rest
// of the run.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/leapstack-labs/econmix/internal/dag"
)

// ParamsPrefix marks an input that resolves to a parameters section.
const ParamsPrefix = "params:"

// AllParams is the input name that resolves to the whole parameters map.
const AllParams = "parameters"

// Func is the body of a node. in holds one value per declared input; the
// returned map must hold one value per declared output.
type Func func(ctx context.Context, in map[string]any) (map[string]any, error)

// Node is one step of a pipeline.
type Node struct {
	Name    string
	Inputs  []string
	Outputs []string
	Func    Func
}

// Pipeline is an ordered set of nodes.
type Pipeline struct {
	Name  string
	Nodes []Node
}

// New creates a pipeline from nodes.
func New(name string, nodes ...Node) *Pipeline {
	return &Pipeline{Name: name, Nodes: nodes}
}

// Sum combines pipelines into one. Nodes keep their order; a node that
// appears in several pipelines is kept once.
func Sum(name string, parts ...*Pipeline) *Pipeline {
	out := &Pipeline{Name: name}
	seen := make(map[string]bool)
	for _, p := range parts {
		for _, n := range p.Nodes {
			if seen[n.Name] {
				continue
			}
			seen[n.Name] = true
			out.Nodes = append(out.Nodes, n)
		}
	}
	return out
}

// IsParams reports whether an input name refers to parameters.
func IsParams(name string) bool {
	return name == AllParams || strings.HasPrefix(name, ParamsPrefix)
}

// Graph validates the pipeline and returns its dependency graph. An edge
// runs from the node producing a dataset to every node consuming it.
func (p *Pipeline) Graph() (*dag.Graph[Node], error) {
	g := dag.New[Node]()
	producer := make(map[string]string)
	for _, n := range p.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("pipeline %q has a node without a name", p.Name)
		}
		if _, dup := g.Node(n.Name); dup {
			return nil, fmt.Errorf("pipeline %q has duplicate node %q", p.Name, n.Name)
		}
		if n.Func == nil {
			return nil, fmt.Errorf("node %q has no function", n.Name)
		}
		g.AddNode(n.Name, n)
		for _, out := range n.Outputs {
			if IsParams(out) {
				return nil, fmt.Errorf("node %q cannot write parameters %q", n.Name, out)
			}
			if other, dup := producer[out]; dup {
				return nil, fmt.Errorf("dataset %q is produced by both %q and %q", out, other, n.Name)
			}
			producer[out] = n.Name
		}
	}
	for _, n := range p.Nodes {
		for _, in := range n.Inputs {
			from, ok := producer[in]
			if !ok {
				continue
			}
			if err := g.AddEdge(from, n.Name); err != nil {
				return nil, fmt.Errorf("pipeline %q: %w", p.Name, err)
			}
		}
	}
	if cyc := g.FindCycle(); cyc != nil {
		return nil, fmt.Errorf("pipeline %q: %w", p.Name, cyc)
	}
	return g, nil
}

// FreeInputs returns the inputs no node of the pipeline produces, in
// first-use order. Parameters are excluded.
func (p *Pipeline) FreeInputs() []string {
	produced := make(map[string]bool)
	for _, n := range p.Nodes {
		for _, out := range n.Outputs {
			produced[out] = true
		}
	}
	seen := make(map[string]bool)
	var free []string
	for _, n := range p.Nodes {
		for _, in := range n.Inputs {
			if produced[in] || IsParams(in) || seen[in] {
				continue
			}
			seen[in] = true
			free = append(free, in)
		}
	}
	return free
}

// Outputs returns every dataset the pipeline produces, in node order.
func (p *Pipeline) Outputs() []string {
	var out []string
	for _, n := range p.Nodes {
		out = append(out, n.Outputs...)
	}
	return out
}

// Input returns in[name] as a T.
func Input[T any](in map[string]any, name string) (T, error) {
	var zero T
	v, ok := in[name]
	if !ok {
		return zero, fmt.Errorf("input %q not provided", name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("input %q has type %T, want %T", name, v, zero)
	}
	return t, nil
}
