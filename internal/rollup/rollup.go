// Package rollup aggregates SKU-level point-of-sale data to product price
// group (PPG) level inside a warehouse adapter.
//
// POS rows are joined to the product master on sku_id, filtered by a minimum
// sales threshold and grouped by PPG, retailer and week. Volume and sales
// columns are summed, ACV columns are averaged weighted by total volume, and
// descriptive product columns take the value of the first row in each group.
package rollup

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/leapstack-labs/econmix/pkg/adapter"
	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// Table names used inside the warehouse.
const (
	RawTable    = "raw_beverage_data"
	MasterTable = "product_master_data"
	OutputTable = "rolled_up_beverage_data"
)

// Params controls the rollup.
type Params struct {
	// MinSalesThreshold drops POS rows whose total_volume is below it.
	MinSalesThreshold float64 `mapstructure:"min_sales_threshold"`
}

// ParseParams decodes rollup parameters. Keys may be namespaced, as in
// "preprocessing.min_sales_threshold".
func ParseParams(m map[string]any) (Params, error) {
	var p Params
	flat := make(map[string]any, len(m))
	for k, v := range m {
		flat[k[strings.LastIndex(k, ".")+1:]] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(flat); err != nil {
		return p, fmt.Errorf("invalid preprocessing params: %w", err)
	}
	return p, nil
}

// Run loads the raw POS and product master CSV files into a, materialises
// the rollup as OutputTable and returns it.
func Run(ctx context.Context, a adapter.Adapter, rawPath, masterPath string, p Params, logger *slog.Logger) (*dataset.Dataset, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	raw, err := loadTable(ctx, a, RawTable, rawPath)
	if err != nil {
		return nil, err
	}
	master, err := loadTable(ctx, a, MasterTable, masterPath)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(raw, master); err != nil {
		return nil, err
	}

	query, err := BuildSQL(a.DialectName(), raw, master, p)
	if err != nil {
		return nil, err
	}
	logger.Debug("rolling up POS data",
		"dialect", a.DialectName(),
		"min_sales_threshold", p.MinSalesThreshold,
	)

	out := adapter.QuoteIdentifier(OutputTable)
	if err := a.Exec(ctx, "DROP TABLE IF EXISTS "+out); err != nil {
		return nil, fmt.Errorf("failed to drop %s: %w", OutputTable, err)
	}
	if err := a.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", out, query)); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", OutputTable, err)
	}

	keys := make([]string, len(KeyColumns))
	for i, c := range KeyColumns {
		keys[i] = adapter.QuoteIdentifier(c)
	}
	result, err := adapter.QueryDataset(ctx, a, fmt.Sprintf("SELECT * FROM %s ORDER BY %s", out, strings.Join(keys, ", ")))
	if err != nil {
		return nil, err
	}
	logger.Info("rolled up POS data", "rows", result.Len())
	return result, nil
}

// RunDatasets stages raw and master as CSV files under stagingDir and runs
// the rollup on them. The staged files are removed afterwards.
func RunDatasets(ctx context.Context, a adapter.Adapter, raw, master *dataset.Dataset, p Params, stagingDir string, logger *slog.Logger) (*dataset.Dataset, error) {
	dir, err := os.MkdirTemp(stagingDir, "econmix-rollup-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	rawPath := filepath.Join(dir, RawTable+".csv")
	masterPath := filepath.Join(dir, MasterTable+".csv")
	if err := raw.WriteCSVFile(rawPath); err != nil {
		return nil, fmt.Errorf("failed to stage raw data: %w", err)
	}
	if err := master.WriteCSVFile(masterPath); err != nil {
		return nil, fmt.Errorf("failed to stage product master: %w", err)
	}
	return Run(ctx, a, rawPath, masterPath, p, logger)
}

func loadTable(ctx context.Context, a adapter.Adapter, name, path string) (Table, error) {
	cols, err := readHeader(path)
	if err != nil {
		return Table{}, err
	}
	if err := a.LoadCSV(ctx, name, path); err != nil {
		return Table{}, fmt.Errorf("failed to load %s: %w", name, err)
	}
	return Table{Name: name, Columns: cols}, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the catalog
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return header, nil
}

func checkColumns(raw, master Table) error {
	have := make(map[string]bool)
	for _, c := range raw.Columns {
		have[c] = true
	}
	for _, c := range master.Columns {
		have[c] = true
	}
	if !slices.Contains(raw.Columns, JoinColumn) {
		return &core.SpecificationError{Field: JoinColumn, Reason: "column not found in " + RawTable}
	}
	if !slices.Contains(master.Columns, JoinColumn) {
		return &core.SpecificationError{Field: JoinColumn, Reason: "column not found in " + MasterTable}
	}
	groups := [][]string{KeyColumns, SumColumns, WeightedColumns, FirstColumns}
	for _, g := range groups {
		for _, c := range g {
			if !have[c] {
				return &core.SpecificationError{Field: c, Reason: "column not found in rollup inputs"}
			}
		}
	}
	return nil
}
