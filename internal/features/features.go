// Package features turns rolled-up PPG data into the modelling table: prices,
// promotion price (EDLP), holiday flags, price indices, log transforms, a
// LOESS trend and seasonality dummies.
package features

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// Defaults for Params.
const (
	DefaultLoessFrac  = 0.3
	DefaultEDLPWindow = 14
	DefaultSeed       = 42
)

// Seasonality methods.
const (
	SeasonalityDummy = "dummy"
	SeasonalityNone  = "none"
)

// Input and derived column names.
const (
	ColPPG         = "ppg_id"
	ColRetailer    = "retailer_id"
	ColWeek        = "week_id"
	ColTotalSales  = "total_sales"
	ColTotalVolume = "total_volume"
	ColAvgPrice    = "avg_price"
	ColEDLPPrice   = "edlp_price"
	ColTrend       = "trend"
	WeekPrefix     = "week_"
)

// LogColumns are transformed with log1p into log_<name> columns.
var LogColumns = []string{
	"total_volume",
	"avg_price",
	"promo_acv_tpr",
	"promo_acv_feature",
	"promo_acv_display",
	"promo_acv_feature_display",
	"cpi",
	"xpi",
	"opi",
}

// priceIndex is a placeholder index drawn uniformly from [lo, hi).
type priceIndex struct {
	name   string
	lo, hi float64
}

var priceIndices = []priceIndex{
	{"cpi", 1.0, 1.5},
	{"xpi", 0.8, 1.2},
	{"opi", 0.9, 1.1},
}

// Params controls feature engineering.
type Params struct {
	LoessFrac         float64 `mapstructure:"loess_frac"`
	SeasonalityMethod string  `mapstructure:"seasonality_method"`
	EDLPWindow        int     `mapstructure:"edlp_window"`
	// Seed drives the placeholder price indices.
	Seed uint64 `mapstructure:"seed"`
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		LoessFrac:         DefaultLoessFrac,
		SeasonalityMethod: SeasonalityDummy,
		EDLPWindow:        DefaultEDLPWindow,
		Seed:              DefaultSeed,
	}
}

// ParseParams decodes parameters over DefaultParams. Keys may be namespaced,
// as in "feature_engineering.loess_frac".
func ParseParams(m map[string]any) (Params, error) {
	p := DefaultParams()
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
		return p, fmt.Errorf("invalid feature_engineering params: %w", err)
	}
	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p Params) validate() error {
	if p.LoessFrac <= 0 || p.LoessFrac > 1 {
		return &core.SpecificationError{Field: "loess_frac", Reason: "must be in (0, 1]"}
	}
	if p.EDLPWindow < 1 {
		return &core.SpecificationError{Field: "edlp_window", Reason: "must be at least 1"}
	}
	switch p.SeasonalityMethod {
	case SeasonalityDummy, SeasonalityNone:
	default:
		return &core.SpecificationError{Field: "seasonality_method", Reason: fmt.Sprintf("unknown method %q", p.SeasonalityMethod)}
	}
	return nil
}

// Engineer builds the modelling table from rolled-up data. holidays may be
// nil; otherwise its columns are left-joined on week_id. The input is not
// modified.
func Engineer(rolled, holidays *dataset.Dataset, p Params, logger *slog.Logger) (*dataset.Dataset, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	for _, c := range []string{ColPPG, ColRetailer, ColWeek, ColTotalSales, ColTotalVolume} {
		if !rolled.HasColumn(c) {
			return nil, &core.SpecificationError{Field: c, Reason: "column not found in dataset"}
		}
	}

	df := rolled.Clone()

	sales, _ := df.Floats(ColTotalSales)
	volume, _ := df.Floats(ColTotalVolume)
	avg := make([]float64, len(sales))
	floats.DivTo(avg, sales, volume)
	if err := setFinite(df, ColAvgPrice, avg); err != nil {
		return nil, err
	}

	df.SortStable(func(a, b int) bool {
		for _, c := range []string{ColPPG, ColRetailer, ColWeek} {
			if cmp := compareCells(df.Value(a, c), df.Value(b, c)); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})

	groups := groupRows(df, ColPPG, ColRetailer)
	prices, _ := df.Floats(ColAvgPrice)
	edlp := make([]float64, df.Len())
	for _, idx := range groups {
		for k, v := range RollingMax(pick(prices, idx), p.EDLPWindow) {
			edlp[idx[k]] = v
		}
	}
	if err := setFinite(df, ColEDLPPrice, edlp); err != nil {
		return nil, err
	}

	if holidays != nil {
		var err error
		if df, err = mergeOn(df, holidays, ColWeek); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	for _, ix := range priceIndices {
		vals := make([]float64, df.Len())
		for i := range vals {
			vals[i] = ix.lo + rng.Float64()*(ix.hi-ix.lo)
		}
		if err := df.SetFloatColumn(ix.name, vals); err != nil {
			return nil, err
		}
	}

	for _, c := range LogColumns {
		if !df.HasColumn(c) {
			return nil, &core.SpecificationError{Field: c, Reason: "column not found in dataset"}
		}
		vals, _ := df.Floats(c)
		for i, v := range vals {
			vals[i] = math.Log1p(v)
		}
		if err := setFinite(df, "log_"+c, vals); err != nil {
			return nil, err
		}
	}

	target, _ := df.Floats("log_total_volume")
	trend := make([]float64, df.Len())
	for i := range trend {
		trend[i] = math.NaN()
	}
	for _, idx := range groups {
		smoothGroup(target, trend, idx, p.LoessFrac)
	}
	if err := setFinite(df, ColTrend, trend); err != nil {
		return nil, err
	}

	if p.SeasonalityMethod == SeasonalityDummy {
		if err := weekDummies(df); err != nil {
			return nil, err
		}
	}

	logger.Info("engineered features",
		"rows", df.Len(),
		"groups", len(groups),
		"seasonality", p.SeasonalityMethod,
	)
	return df, nil
}

// RollingMax returns the trailing maximum over window values. Missing (NaN)
// values are skipped; a position with no value in its window is NaN.
func RollingMax(v []float64, window int) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = math.NaN()
		for j := max(0, i-window+1); j <= i; j++ {
			if math.IsNaN(v[j]) {
				continue
			}
			if math.IsNaN(out[i]) || v[j] > out[i] {
				out[i] = v[j]
			}
		}
	}
	return out
}

// smoothGroup fits a LOESS trend of y against position within the group.
// Missing values are skipped and keep a missing trend.
func smoothGroup(y, trend []float64, idx []int, frac float64) {
	var xs, ys []float64
	var rows []int
	for k, i := range idx {
		if math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, float64(k))
		ys = append(ys, y[i])
		rows = append(rows, i)
	}
	for k, v := range Loess(xs, ys, frac, DefaultRobustIterations) {
		trend[rows[k]] = v
	}
}

// groupRows returns row indices grouped by the given columns, in order of
// first appearance.
func groupRows(d *dataset.Dataset, cols ...string) [][]int {
	pos := make(map[string]int)
	var groups [][]int
	for i := range d.Len() {
		parts := make([]string, len(cols))
		for j, c := range cols {
			parts[j] = d.String(i, c)
		}
		key := strings.Join(parts, "\x00")
		g, ok := pos[key]
		if !ok {
			g = len(groups)
			pos[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func pick(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for k, i := range idx {
		out[k] = v[i]
	}
	return out
}

// mergeOn left-joins right onto left by key. The first right row per key
// value is used; right columns already present on the left are skipped.
func mergeOn(left, right *dataset.Dataset, key string) (*dataset.Dataset, error) {
	if !right.HasColumn(key) {
		return nil, &core.SpecificationError{Field: key, Reason: "column not found in holiday calendar"}
	}
	lookup := make(map[string]int, right.Len())
	for i := range right.Len() {
		k := right.String(i, key)
		if _, seen := lookup[k]; !seen {
			lookup[k] = i
		}
	}
	for _, c := range right.Columns() {
		if left.HasColumn(c) {
			continue
		}
		cells := make([]any, left.Len())
		for i := range cells {
			if j, ok := lookup[left.String(i, key)]; ok {
				cells[i] = right.Value(j, c)
			}
		}
		if err := left.SetColumn(c, cells); err != nil {
			return nil, err
		}
	}
	return left, nil
}

// weekDummies replaces week_id with one 0/1 column per distinct week.
func weekDummies(d *dataset.Dataset) error {
	week, err := d.Column(ColWeek)
	if err != nil {
		return err
	}
	var levels []any
	seen := make(map[string]bool)
	for _, v := range week {
		k := dataset.FormatValue(v)
		if v == nil || seen[k] {
			continue
		}
		seen[k] = true
		levels = append(levels, v)
	}
	slices.SortStableFunc(levels, compareCells)

	for _, lvl := range levels {
		name := WeekPrefix + dataset.FormatValue(lvl)
		vals := make([]float64, len(week))
		for i, v := range week {
			if dataset.FormatValue(v) == dataset.FormatValue(lvl) {
				vals[i] = 1
			}
		}
		if err := d.SetFloatColumn(name, vals); err != nil {
			return err
		}
	}
	d.DropColumn(ColWeek)
	return nil
}

// setFinite stores vals as a column, with non-finite values missing.
func setFinite(d *dataset.Dataset, name string, vals []float64) error {
	cells := make([]any, len(vals))
	for i, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			cells[i] = v
		}
	}
	return d.SetColumn(name, cells)
}

// compareCells orders numbers numerically and everything else by text.
// Missing values sort last.
func compareCells(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(dataset.FormatValue(a), dataset.FormatValue(b))
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
