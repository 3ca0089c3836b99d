package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/econmix/internal/cli/output"
	"github.com/leapstack-labs/econmix/internal/export"
	"github.com/leapstack-labs/econmix/internal/pipeline"
	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/spec"
)

// DefaultParamsKey is the parameters section fit and formula read by default.
const DefaultParamsKey = "mixed_modelling"

// FitOptions holds options for the fit command.
type FitOptions struct {
	Data   string
	Sheet  string
	Params string
	Key    string
	Export string
	Limit  int
}

// NewFitCommand creates the fit command.
func NewFitCommand() *cobra.Command {
	opts := &FitOptions{}

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit mixed models to a data file",
		Long: `Fit one or more hierarchical mixed models to a feature table.

The parameters section holds either one model specification (flat or
hierarchical) or a models mapping of name to specification. Fits are
recorded in the state database like a run of the mixed_modelling pipeline.`,
		Example: `  # Fit the model described under mixed_modelling in the parameters file
  econmix fit --data data/feature_engineered.csv

  # Use a bare specification file and export the result tables
  econmix fit --data features.csv --params model.yml --key "" --export results.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "Feature table (.csv or .xlsx)")
	cmd.Flags().StringVar(&opts.Sheet, "sheet", "", "Worksheet to read from an .xlsx data file")
	cmd.Flags().StringVar(&opts.Params, "params", "", "Parameters file (default: the configured parameters file)")
	cmd.Flags().StringVar(&opts.Key, "key", DefaultParamsKey, "Parameters section holding the model specification (empty for the whole file)")
	cmd.Flags().StringVar(&opts.Export, "export", "", "Write results to an .xlsx workbook or a directory of CSV files")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum random-effects rows to print (0 for all)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runFit(cmd *cobra.Command, opts *FitOptions) error {
	c := NewCommandContext(cmd)

	data, err := readData(opts.Data, opts.Sheet)
	if err != nil {
		return err
	}
	paramsPath := opts.Params
	if paramsPath == "" {
		paramsPath = c.Cfg.Parameters
	}
	section, err := spec.LoadParams(paramsPath, opts.Key)
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

	p, err := pipeline.Build("mixed_modelling", &pipeline.Env{
		Batch:      batch,
		Store:      store,
		StagingDir: c.Cfg.StagingDir,
		Logger:     c.Logger,
	})
	if err != nil {
		return err
	}
	catalog := pipeline.NewCatalog(nil, "")
	if err := catalog.Save(pipeline.FeatureData, data); err != nil {
		return err
	}
	runner := pipeline.NewRunner(catalog,
		pipeline.WithParams(map[string]any{DefaultParamsKey: section}),
		pipeline.WithStore(store),
		pipeline.WithRunnerLogger(c.Logger),
	)
	summary, err := runner.Run(cmd.Context(), p, pipeline.RunOptions{})
	if err != nil {
		return err
	}

	results, err := loadResults(catalog)
	if err != nil {
		return err
	}
	if opts.Export != "" {
		if err := export.WriteResults(opts.Export, results.rows, results.fixed, results.random, results.formula); err != nil {
			return err
		}
		c.Logger.Info("exported results", "path", opts.Export)
	}
	return renderFit(c.Renderer, summary.RunID, results, opts)
}

func readData(path, sheet string) (*dataset.Dataset, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return export.ReadXLSX(path, sheet)
	}
	return dataset.ReadCSVFile(path)
}

type fitResults struct {
	rows, fixed, random *dataset.Dataset
	formula             string
}

func loadResults(catalog *pipeline.Catalog) (*fitResults, error) {
	var res fitResults
	tables := []struct {
		name string
		dst  **dataset.Dataset
	}{
		{pipeline.ModelResults, &res.rows},
		{pipeline.FixedEffects, &res.fixed},
		{pipeline.RandomEffects, &res.random},
	}
	for _, t := range tables {
		v, err := catalog.Load(t.name)
		if err != nil {
			return nil, err
		}
		d, ok := v.(*dataset.Dataset)
		if !ok {
			return nil, fmt.Errorf("output %q has type %T, want a table", t.name, v)
		}
		*t.dst = d
	}
	v, err := catalog.Load(pipeline.ModelFormula)
	if err != nil {
		return nil, err
	}
	res.formula, _ = v.(string)
	return &res, nil
}

func renderFit(r *output.Renderer, runID string, res *fitResults, opts *FitOptions) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(map[string]any{
			"run_id":         runID,
			"formula":        strings.Split(res.formula, "\n"),
			"rows":           res.rows.Len(),
			"fixed_effects":  tableRecords(res.fixed, 0),
			"random_effects": tableRecords(res.random, opts.Limit),
		})
	}

	r.Header("Formula")
	for _, line := range strings.Split(res.formula, "\n") {
		r.Println(line)
	}
	r.Println("")
	r.Header("Fixed effects")
	if err := r.Dataset(res.fixed, 0); err != nil {
		return err
	}
	r.Println("")
	r.Header("Random effects")
	if err := r.Dataset(res.random, opts.Limit); err != nil {
		return err
	}
	r.Println("")
	msg := fmt.Sprintf("Fitted %d rows", res.rows.Len())
	if opts.Export != "" {
		msg += "; results written to " + opts.Export
	}
	r.Success(msg)
	return nil
}

// tableRecords converts d to row objects for JSON output. Non-finite numbers
// become null.
func tableRecords(d *dataset.Dataset, limit int) []map[string]any {
	n := d.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]map[string]any, n)
	for i := range n {
		row := d.Row(i)
		for k, v := range row {
			if f, ok := v.(float64); ok && !isFinite(f) {
				row[k] = nil
			}
		}
		out[i] = row
	}
	return out
}
