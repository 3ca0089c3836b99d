package dataset

import (
	"github.com/leapstack-labs/econmix/pkg/core"
)

// SentinelLevel is the placeholder level written into categorical columns
// that have too few distinct levels to be used as a grouping factor.
const SentinelLevel = "dummy"

// RepairResult is the outcome of Repair.
type RepairResult struct {
	// Data is a copy of the input, with the sentinel row appended when
	// SentinelAdded is true.
	Data *Dataset
	// SentinelAdded reports whether a sentinel row was appended.
	SentinelAdded bool
	// Marked lists the columns that hold SentinelLevel in the sentinel row,
	// in the order they were requested.
	Marked []string
}

// Repair guarantees that every categorical column has at least two levels.
//
// A column with at most one distinct non-missing value is marked. When any
// column is marked, exactly one row is appended: marked columns get
// SentinelLevel, every other column copies the first row's value (missing
// when the input is empty). The input dataset is never modified.
func Repair(data *Dataset, categoricalColumns []string) (*RepairResult, error) {
	for _, c := range categoricalColumns {
		if !data.HasColumn(c) {
			return nil, &core.SpecificationError{Field: c, Reason: "column not found in dataset"}
		}
	}

	out := data.Clone()
	res := &RepairResult{Data: out}

	seen := make(map[string]bool, len(categoricalColumns))
	for _, c := range categoricalColumns {
		if seen[c] {
			continue
		}
		seen[c] = true
		n, err := data.NUnique(c)
		if err != nil {
			return nil, err
		}
		if n <= 1 {
			res.Marked = append(res.Marked, c)
		}
	}
	if len(res.Marked) == 0 {
		return res, nil
	}

	sentinel := make([]any, len(out.columns))
	if data.Len() > 0 {
		copy(sentinel, data.rows[0])
	}
	for _, c := range res.Marked {
		sentinel[out.index[c]] = SentinelLevel
	}
	out.rows = append(out.rows, sentinel)
	res.SentinelAdded = true
	return res, nil
}

// StripSentinel returns a copy of data without the rows Repair appended:
// rows in which every marked column holds SentinelLevel. It returns data
// unchanged when no sentinel was added.
func (r *RepairResult) StripSentinel(data *Dataset) *Dataset {
	if !r.SentinelAdded || len(r.Marked) == 0 {
		return data
	}
	return data.Filter(func(i int) bool {
		for _, c := range r.Marked {
			if v, ok := data.Value(i, c).(string); !ok || v != SentinelLevel {
				return true
			}
		}
		return false
	})
}

// StripSentinelLevels returns a copy of a per-group table without rows
// that belong to the sentinel level: rows in which any marked column present
// in the table holds SentinelLevel. Marked columns had at most one genuine
// level, so SentinelLevel there is always synthetic.
func (r *RepairResult) StripSentinelLevels(table *Dataset) *Dataset {
	if !r.SentinelAdded {
		return table
	}
	var cols []string
	for _, c := range r.Marked {
		if table.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return table
	}
	return table.Filter(func(i int) bool {
		for _, c := range cols {
			if v, ok := table.Value(i, c).(string); ok && v == SentinelLevel {
				return false
			}
		}
		return true
	})
}
