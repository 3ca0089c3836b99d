package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/econmix/internal/cli/output"
	"github.com/leapstack-labs/econmix/pkg/formula"
	"github.com/leapstack-labs/econmix/pkg/spec"
)

// FormulaOptions holds options for the formula command.
type FormulaOptions struct {
	Params string
	Key    string
}

// NewFormulaCommand creates the formula command.
func NewFormulaCommand() *cobra.Command {
	opts := &FormulaOptions{}

	cmd := &cobra.Command{
		Use:   "formula",
		Short: "Print the model formulas compiled from the parameters",
		Long: `Compile the model specifications in the parameters file into
Wilkinson-style mixed-model formulas without fitting anything.`,
		Example: `  econmix formula
  econmix formula --params model.yml --key ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFormula(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Params, "params", "", "Parameters file (default: the configured parameters file)")
	cmd.Flags().StringVar(&opts.Key, "key", DefaultParamsKey, "Parameters section holding the model specification (empty for the whole file)")

	return cmd
}

type formulaJSON struct {
	Name     string   `json:"name"`
	Format   string   `json:"format"`
	Formula  string   `json:"formula"`
	Grouping []string `json:"grouping"`
}

func runFormula(cmd *cobra.Command, opts *FormulaOptions) error {
	c := NewCommandContext(cmd)
	r := c.Renderer

	path := opts.Params
	if path == "" {
		path = c.Cfg.Parameters
	}
	section, err := spec.LoadParams(path, opts.Key)
	if err != nil {
		return err
	}
	models, err := spec.ParseModels(section)
	if err != nil {
		return err
	}

	out := make([]formulaJSON, 0, len(models))
	for _, m := range models {
		f, err := formula.Compile(m.Spec)
		if err != nil {
			return err
		}
		out = append(out, formulaJSON{
			Name:     m.Name,
			Format:   m.Spec.Format.String(),
			Formula:  f.String(),
			Grouping: m.Spec.GroupingColumns(),
		})
	}

	switch r.EffectiveMode() {
	case output.ModeJSON:
		return r.JSON(out)
	case output.ModeMarkdown:
		for _, f := range out {
			r.Println("## " + f.Name)
			r.Println("")
			r.Println("```")
			r.Println(f.Formula)
			r.Println("```")
			r.Println("")
		}
	default:
		styles := r.Styles()
		for _, f := range out {
			r.Printf("%s %s\n", styles.Bold.Render(f.Name+":"), f.Formula)
		}
	}
	return nil
}
