// Package dataset provides the in-memory table the fitting pipeline works on.
//
// A Dataset has ordered, named columns and rows of cells. Cells are one of
// string, float64 or nil (missing). The table is deliberately small: it
// supports what the rollup, feature engineering and mixed-model stages need
// (column access, row append, filtering, stable sorting, CSV and database/sql
// interchange) and nothing more.
package dataset

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Dataset is an ordered, column-named table.
type Dataset struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// New creates an empty dataset with the given columns.
func New(columns ...string) *Dataset {
	d := &Dataset{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		d.addColumn(c)
	}
	return d
}

// FromRecords builds a dataset from column names and row values.
// Every row must have exactly len(columns) cells.
func FromRecords(columns []string, rows [][]any) (*Dataset, error) {
	d := New(columns...)
	if len(d.columns) != len(columns) {
		return nil, fmt.Errorf("duplicate column names in %v", columns)
	}
	for i, r := range rows {
		if err := d.AppendRow(r); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return d, nil
}

func (d *Dataset) addColumn(name string) bool {
	if _, exists := d.index[name]; exists {
		return false
	}
	d.index[name] = len(d.columns)
	d.columns = append(d.columns, name)
	return true
}

// Columns returns the column names in order.
func (d *Dataset) Columns() []string {
	out := make([]string, len(d.columns))
	copy(out, d.columns)
	return out
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.rows)
}

// HasColumn reports whether the dataset has the named column.
func (d *Dataset) HasColumn(name string) bool {
	_, ok := d.index[name]
	return ok
}

// Value returns the cell at row i in the named column.
// It returns nil for an unknown column.
func (d *Dataset) Value(i int, column string) any {
	j, ok := d.index[column]
	if !ok {
		return nil
	}
	return d.rows[i][j]
}

// Set replaces the cell at row i in the named column.
func (d *Dataset) Set(i int, column string, v any) error {
	j, ok := d.index[column]
	if !ok {
		return fmt.Errorf("unknown column %q", column)
	}
	d.rows[i][j] = normalize(v)
	return nil
}

// String returns the cell at row i formatted as text. Missing cells are "".
func (d *Dataset) String(i int, column string) string {
	return FormatValue(d.Value(i, column))
}

// Float returns the cell at row i as a float64.
// Text cells are parsed; the second result is false for missing or
// non-numeric cells.
func (d *Dataset) Float(i int, column string) (float64, bool) {
	switch v := d.Value(i, column).(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Row returns a copy of row i keyed by column name.
func (d *Dataset) Row(i int) map[string]any {
	out := make(map[string]any, len(d.columns))
	for j, c := range d.columns {
		out[c] = d.rows[i][j]
	}
	return out
}

// Column returns a copy of the named column's cells.
func (d *Dataset) Column(name string) ([]any, error) {
	j, ok := d.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	out := make([]any, len(d.rows))
	for i, r := range d.rows {
		out[i] = r[j]
	}
	return out, nil
}

// Floats returns the named column as float64 values. Missing or
// non-numeric cells become NaN.
func (d *Dataset) Floats(name string) ([]float64, error) {
	if !d.HasColumn(name) {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	out := make([]float64, len(d.rows))
	for i := range d.rows {
		f, ok := d.Float(i, name)
		if !ok {
			f = math.NaN()
		}
		out[i] = f
	}
	return out, nil
}

// AppendRow appends a row given positionally.
func (d *Dataset) AppendRow(values []any) error {
	if len(values) != len(d.columns) {
		return fmt.Errorf("row has %d values, want %d", len(values), len(d.columns))
	}
	row := make([]any, len(values))
	for j, v := range values {
		row[j] = normalize(v)
	}
	d.rows = append(d.rows, row)
	return nil
}

// Append appends a row given by column name. Columns absent from values are
// left missing; keys that are not columns are an error.
func (d *Dataset) Append(values map[string]any) error {
	row := make([]any, len(d.columns))
	for k, v := range values {
		j, ok := d.index[k]
		if !ok {
			return fmt.Errorf("unknown column %q", k)
		}
		row[j] = normalize(v)
	}
	d.rows = append(d.rows, row)
	return nil
}

// SetColumn adds or replaces a column. len(values) must equal Len().
func (d *Dataset) SetColumn(name string, values []any) error {
	if len(values) != len(d.rows) {
		return fmt.Errorf("column %q has %d values, dataset has %d rows", name, len(values), len(d.rows))
	}
	if d.addColumn(name) {
		for i := range d.rows {
			d.rows[i] = append(d.rows[i], nil)
		}
	}
	j := d.index[name]
	for i, v := range values {
		d.rows[i][j] = normalize(v)
	}
	return nil
}

// SetFloatColumn is SetColumn for float64 values.
func (d *Dataset) SetFloatColumn(name string, values []float64) error {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return d.SetColumn(name, cells)
}

// DropColumn removes a column if present.
func (d *Dataset) DropColumn(name string) {
	j, ok := d.index[name]
	if !ok {
		return
	}
	d.columns = append(d.columns[:j], d.columns[j+1:]...)
	for i := range d.rows {
		d.rows[i] = append(d.rows[i][:j], d.rows[i][j+1:]...)
	}
	d.index = make(map[string]int, len(d.columns))
	for k, c := range d.columns {
		d.index[c] = k
	}
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	out := New(d.columns...)
	out.rows = make([][]any, len(d.rows))
	for i, r := range d.rows {
		row := make([]any, len(r))
		copy(row, r)
		out.rows[i] = row
	}
	return out
}

// Filter returns a new dataset holding the rows for which keep returns true.
// Row indices in the result are contiguous from zero.
func (d *Dataset) Filter(keep func(i int) bool) *Dataset {
	out := New(d.columns...)
	for i, r := range d.rows {
		if keep(i) {
			row := make([]any, len(r))
			copy(row, r)
			out.rows = append(out.rows, row)
		}
	}
	return out
}

// SortStable reorders rows in place. less receives row indices into the
// order before sorting; rows that compare equal keep their relative order.
func (d *Dataset) SortStable(less func(a, b int) bool) {
	order := make([]int, len(d.rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return less(order[x], order[y])
	})
	sorted := make([][]any, len(d.rows))
	for i, k := range order {
		sorted[i] = d.rows[k]
	}
	d.rows = sorted
}

// Concat stacks datasets vertically. The result has the union of their
// columns in order of first appearance; cells a dataset lacks are missing.
func Concat(parts ...*Dataset) *Dataset {
	out := New()
	for _, p := range parts {
		for _, c := range p.columns {
			out.addColumn(c)
		}
	}
	for _, p := range parts {
		for _, r := range p.rows {
			row := make([]any, len(out.columns))
			for j, c := range p.columns {
				row[out.index[c]] = r[j]
			}
			out.rows = append(out.rows, row)
		}
	}
	return out
}

// NUnique returns the number of distinct non-missing values in a column,
// compared by their text form.
func (d *Dataset) NUnique(column string) (int, error) {
	j, ok := d.index[column]
	if !ok {
		return 0, fmt.Errorf("unknown column %q", column)
	}
	seen := make(map[string]struct{})
	for _, r := range d.rows {
		if r[j] == nil {
			continue
		}
		seen[FormatValue(r[j])] = struct{}{}
	}
	return len(seen), nil
}

// FormatValue renders a cell as text. Missing cells are "".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// normalize coerces supported Go values into the cell representation.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case bool:
		if x {
			return 1.0
		}
		return 0.0
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
