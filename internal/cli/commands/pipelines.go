package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/econmix/internal/cli/output"
	"github.com/leapstack-labs/econmix/internal/pipeline"
)

// NewPipelinesCommand creates the pipelines command.
func NewPipelinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List registered pipelines and their nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipelines(NewCommandContext(cmd).Renderer)
		},
	}
}

type pipelineNodeJSON struct {
	Name    string   `json:"name"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`
}

type pipelineJSON struct {
	Name  string             `json:"name"`
	Nodes []pipelineNodeJSON `json:"nodes"`
}

func runPipelines(r *output.Renderer) error {
	var out []pipelineJSON
	for _, name := range pipeline.List() {
		// Builders only capture the env; nothing runs here.
		p, err := pipeline.Build(name, &pipeline.Env{})
		if err != nil {
			return err
		}
		g, err := p.Graph()
		if err != nil {
			return err
		}
		ids, err := g.TopologicalSort()
		if err != nil {
			return err
		}
		order := make([]pipeline.Node, 0, len(ids))
		for _, id := range ids {
			if n, ok := g.Node(id); ok {
				order = append(order, n)
			}
		}
		pj := pipelineJSON{Name: name}
		for _, n := range order {
			pj.Nodes = append(pj.Nodes, pipelineNodeJSON{Name: n.Name, Inputs: n.Inputs, Outputs: n.Outputs})
		}
		out = append(out, pj)
	}

	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(out)
	}
	for _, p := range out {
		r.Header(p.Name)
		rows := make([][]string, 0, len(p.Nodes))
		for _, n := range p.Nodes {
			rows = append(rows, []string{n.Name, strings.Join(n.Inputs, ", "), strings.Join(n.Outputs, ", ")})
		}
		r.Table([]string{"node", "inputs", "outputs"}, rows)
		r.Println("")
	}
	return nil
}
