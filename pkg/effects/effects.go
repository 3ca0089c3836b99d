// Package effects turns raw engine output into fixed- and random-effects
// result tables.
package effects

import (
	"math"
	"strconv"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// SignificanceLevel is the p-value below which a fixed effect is flagged
// significant.
const SignificanceLevel = 0.05

// Column names of the fixed-effects table.
const (
	ColEffect      = "effect"
	ColEstimate    = "estimate"
	ColStdErr      = "stderr"
	ColZValue      = "z_value"
	ColPValue      = "p_value"
	ColSignificant = "significant"
	ColFormula     = "formula"
)

// Column names appended to the random-effects table.
const (
	ColVar = "var"
	ColDOF = "dof"
)

// FixedEffect is one row of the fixed-effects table.
type FixedEffect struct {
	Effect      string
	Estimate    float64
	StdErr      float64
	ZValue      float64
	PValue      float64
	Significant bool
	Formula     string
}

// FixedEffectsTable holds one row per fixed-effect term, in engine order.
type FixedEffectsTable struct {
	Rows []FixedEffect
}

// Len returns the number of terms.
func (t *FixedEffectsTable) Len() int { return len(t.Rows) }

// Dataset renders the table with the columns effect, estimate, stderr,
// z_value, p_value, significant and formula.
func (t *FixedEffectsTable) Dataset() *dataset.Dataset {
	d := dataset.New(ColEffect, ColEstimate, ColStdErr, ColZValue, ColPValue, ColSignificant, ColFormula)
	for _, r := range t.Rows {
		_ = d.AppendRow([]any{
			r.Effect, r.Estimate, r.StdErr, r.ZValue, r.PValue,
			strconv.FormatBool(r.Significant), r.Formula,
		})
	}
	return d
}

// IsSignificant reports whether p is below SignificanceLevel. NaN is never
// significant.
func IsSignificant(p float64) bool {
	return !math.IsNaN(p) && p < SignificanceLevel
}

// AssembleFixed builds the fixed-effects table. All five sequences must have
// the same length; every row carries formula.
func AssembleFixed(names []string, estimates, stderrs, zValues, pValues []float64, formula string) (*FixedEffectsTable, error) {
	n := len(names)
	for _, c := range []struct {
		name string
		len  int
	}{
		{"estimates", len(estimates)},
		{"stderrs", len(stderrs)},
		{"z_values", len(zValues)},
		{"p_values", len(pValues)},
	} {
		if c.len != n {
			return nil, &core.ShapeMismatchError{Name: c.name, Want: n, Got: c.len}
		}
	}

	t := &FixedEffectsTable{Rows: make([]FixedEffect, n)}
	for i := range names {
		t.Rows[i] = FixedEffect{
			Effect:      names[i],
			Estimate:    estimates[i],
			StdErr:      stderrs[i],
			ZValue:      zValues[i],
			PValue:      pValues[i],
			Significant: IsSignificant(pValues[i]),
			Formula:     formula,
		}
	}
	return t, nil
}

// RandomEffectsTable holds one row per grouping-factor level.
type RandomEffectsTable struct {
	Data    *dataset.Dataset
	Primary string
}

// Len returns the number of rows.
func (t *RandomEffectsTable) Len() int { return t.Data.Len() }

// AssembleRandom attaches var and dof to the raw per-group table, adds any
// grouping column the engine did not return as a missing column, and sorts
// rows case-insensitively by primary. Rows with a missing primary value sort
// last; ties keep engine order. raw is not modified.
func AssembleRandom(raw *dataset.Dataset, variances, dofs []float64, groupingColumns []string, primary string) (*RandomEffectsTable, error) {
	if len(variances) != raw.Len() {
		return nil, &core.ShapeMismatchError{Name: "variances", Want: raw.Len(), Got: len(variances)}
	}
	if len(dofs) != raw.Len() {
		return nil, &core.ShapeMismatchError{Name: "dofs", Want: raw.Len(), Got: len(dofs)}
	}

	d := raw.Clone()
	if err := d.SetFloatColumn(ColVar, variances); err != nil {
		return nil, err
	}
	if err := d.SetFloatColumn(ColDOF, dofs); err != nil {
		return nil, err
	}
	for _, c := range groupingColumns {
		if !d.HasColumn(c) {
			if err := d.SetColumn(c, make([]any, d.Len())); err != nil {
				return nil, err
			}
		}
	}

	if primary != "" && d.HasColumn(primary) {
		lower := cases.Lower(language.Und)
		keys := make([]string, d.Len())
		missing := make([]bool, d.Len())
		for i := range keys {
			v := d.Value(i, primary)
			if v == nil {
				missing[i] = true
				continue
			}
			keys[i] = lower.String(dataset.FormatValue(v))
		}
		d.SortStable(func(a, b int) bool {
			if missing[a] || missing[b] {
				return !missing[a] && missing[b]
			}
			return keys[a] < keys[b]
		})
	}

	return &RandomEffectsTable{Data: d, Primary: primary}, nil
}
