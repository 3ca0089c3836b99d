package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// resultDoc is the JSON document a worker writes after a successful fit.
// Numbers may be null, which decodes to NaN.
type resultDoc struct {
	Residuals     []*float64 `json:"residuals"`
	Predictions   []*float64 `json:"predictions"`
	RandomEffects struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	} `json:"random_effects"`
	Effects   []string   `json:"effects"`
	Estimates []*float64 `json:"estimates"`
	StdErrs   []*float64 `json:"stderrs"`
	ZValues   []*float64 `json:"z_values"`
	PValues   []*float64 `json:"p_values"`
	Variances []*float64 `json:"variances"`
	DOFs      []*float64 `json:"dofs"`
}

// DecodeResult reads a worker result document.
func DecodeResult(r io.Reader) (*FitResult, error) {
	var doc resultDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode fit result: %w", err)
	}

	re, err := dataset.FromRecords(doc.RandomEffects.Columns, doc.RandomEffects.Rows)
	if err != nil {
		return nil, fmt.Errorf("invalid random_effects table: %w", err)
	}

	return &FitResult{
		Residuals:     fromNullable(doc.Residuals),
		Predictions:   fromNullable(doc.Predictions),
		RandomEffects: re,
		Effects:       doc.Effects,
		Estimates:     fromNullable(doc.Estimates),
		StdErrs:       fromNullable(doc.StdErrs),
		ZValues:       fromNullable(doc.ZValues),
		PValues:       fromNullable(doc.PValues),
		Variances:     fromNullable(doc.Variances),
		DOFs:          fromNullable(doc.DOFs),
	}, nil
}

// ReadResultFile decodes the result document at path.
func ReadResultFile(path string) (*FitResult, error) {
	f, err := os.Open(path) //nolint:gosec // path is created by the engine
	if err != nil {
		return nil, fmt.Errorf("failed to open fit result: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeResult(f)
}

// EncodeResult writes res as a worker result document. NaN values are
// written as null.
func EncodeResult(w io.Writer, res *FitResult) error {
	var doc resultDoc
	doc.Residuals = toNullable(res.Residuals)
	doc.Predictions = toNullable(res.Predictions)
	doc.Effects = res.Effects
	doc.Estimates = toNullable(res.Estimates)
	doc.StdErrs = toNullable(res.StdErrs)
	doc.ZValues = toNullable(res.ZValues)
	doc.PValues = toNullable(res.PValues)
	doc.Variances = toNullable(res.Variances)
	doc.DOFs = toNullable(res.DOFs)

	if re := res.RandomEffects; re != nil {
		doc.RandomEffects.Columns = re.Columns()
		doc.RandomEffects.Rows = make([][]any, re.Len())
		for i := range doc.RandomEffects.Rows {
			row := make([]any, 0, len(doc.RandomEffects.Columns))
			for _, c := range doc.RandomEffects.Columns {
				v := re.Value(i, c)
				if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
					v = nil
				}
				row = append(row, v)
			}
			doc.RandomEffects.Rows[i] = row
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func fromNullable(in []*float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	return out
}

func toNullable(in []float64) []*float64 {
	if in == nil {
		return nil
	}
	out := make([]*float64, len(in))
	for i, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[i] = &v
	}
	return out
}
