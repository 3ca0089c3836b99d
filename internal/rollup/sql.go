package rollup

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/econmix/pkg/adapter"
)

// Column groups of the rollup.
var (
	KeyColumns      = []string{"ppg_id", "retailer_id", "week_id"}
	SumColumns      = []string{"total_volume", "promo_volume", "total_sales", "promo_sales"}
	WeightedColumns = []string{
		"promo_acv_tpr",
		"promo_acv_feature",
		"promo_acv_display",
		"promo_acv_feature_display",
		"acv_weighted_distribution",
	}
	FirstColumns = []string{"brand", "sub_brand", "size", "pack_count"}
)

// WeightColumn weights the ACV averages.
const WeightColumn = "total_volume"

// JoinColumn links POS rows to the product master.
const JoinColumn = "sku_id"

const rowNumberColumn = "_econmix_row"

// Table names a loaded warehouse table and its columns.
type Table struct {
	Name    string
	Columns []string
}

// dialect holds the SQL fragments that differ between warehouses.
type dialect struct {
	numericType string
	// first renders an aggregate picking col from the earliest row.
	first func(col, order string) string
}

var dialects = map[string]dialect{
	"duckdb": {
		numericType: "DOUBLE",
		first: func(col, order string) string {
			return fmt.Sprintf("arg_min(%s, %s)", col, order)
		},
	},
	"postgres": {
		numericType: "DOUBLE PRECISION",
		first: func(col, order string) string {
			return fmt.Sprintf("(array_agg(%s ORDER BY %s))[1]", col, order)
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("rollup does not support the %q dialect", name)
	}
	return d, nil
}

// BuildSQL renders the rollup query for a dialect over the raw and master
// tables. Raw columns win when both tables carry a name.
func BuildSQL(dialectName string, raw, master Table, p Params) (string, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return "", err
	}
	q := adapter.QuoteIdentifier
	num := func(expr string) string {
		return fmt.Sprintf("CAST(%s AS %s)", expr, d.numericType)
	}

	inRaw := make(map[string]bool, len(raw.Columns))
	var mergedCols []string
	for _, c := range raw.Columns {
		inRaw[c] = true
		mergedCols = append(mergedCols, "r."+q(c))
	}
	for _, c := range master.Columns {
		if !inRaw[c] {
			mergedCols = append(mergedCols, "m."+q(c))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "WITH numbered AS (\n  SELECT *, row_number() OVER () AS %s FROM %s\n), merged AS (\n", q(rowNumberColumn), q(raw.Name))
	fmt.Fprintf(&sb, "  SELECT %s, r.%s\n", strings.Join(mergedCols, ", "), q(rowNumberColumn))
	fmt.Fprintf(&sb, "  FROM numbered AS r\n")
	fmt.Fprintf(&sb, "  LEFT JOIN %s AS m ON CAST(r.%s AS VARCHAR) = CAST(m.%s AS VARCHAR)\n", q(master.Name), q(JoinColumn), q(JoinColumn))
	sb.WriteString("), filtered AS (\n")
	fmt.Fprintf(&sb, "  SELECT * FROM merged WHERE %s >= %s\n", num(q(WeightColumn)), formatNumber(p.MinSalesThreshold))
	sb.WriteString(")\n")

	var selects []string
	for _, c := range KeyColumns {
		selects = append(selects, q(c))
	}
	for _, c := range SumColumns {
		selects = append(selects, fmt.Sprintf("SUM(%s) AS %s", num(q(c)), q(c)))
	}
	weight := num(q(WeightColumn))
	for _, c := range WeightedColumns {
		selects = append(selects, fmt.Sprintf("SUM(%s * %s) / NULLIF(SUM(%s), 0) AS %s", num(q(c)), weight, weight, q(c)))
	}
	for _, c := range FirstColumns {
		selects = append(selects, fmt.Sprintf("%s AS %s", d.first(q(c), q(rowNumberColumn)), q(c)))
	}

	keys := make([]string, len(KeyColumns))
	for i, c := range KeyColumns {
		keys[i] = q(c)
	}
	fmt.Fprintf(&sb, "SELECT\n  %s\nFROM filtered\nGROUP BY %s\nORDER BY %s",
		strings.Join(selects, ",\n  "),
		strings.Join(keys, ", "),
		strings.Join(keys, ", "),
	)
	return sb.String(), nil
}

func formatNumber(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", f), "0"), ".")
}
