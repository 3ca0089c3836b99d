package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/econmix/internal/features"
	"github.com/leapstack-labs/econmix/internal/mixedmodel"
	"github.com/leapstack-labs/econmix/internal/rollup"
	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/effects"
	"github.com/leapstack-labs/econmix/pkg/spec"
)

// Dataset names flowing between the built-in pipelines.
const (
	RawData         = "raw_beverage_data"
	ProductMaster   = "product_master_data"
	HolidayCalendar = "holiday_calendar"
	RolledUpData    = "rolled_up_beverage_data"
	FeatureData     = "feature_engineered_data"
	ModelResults    = "model_results"
	FixedEffects    = "fixed_effects"
	RandomEffects   = "random_effects"
	ModelFormula    = "model_formula"
)

// Parameter sections read by the built-in nodes.
const (
	PreprocessingParams      = ParamsPrefix + "preprocessing"
	FeatureEngineeringParams = ParamsPrefix + "feature_engineering"
	MixedModellingParams     = ParamsPrefix + "mixed_modelling"
)

// ModelColumn names the model a row belongs to when several models are fit.
const ModelColumn = "model"

func init() {
	Register("data_preprocessing", func(env *Env) *Pipeline {
		return New("data_preprocessing", Node{
			Name:    "data_rollup_node",
			Inputs:  []string{RawData, ProductMaster, PreprocessingParams},
			Outputs: []string{RolledUpData},
			Func:    rollupNode(env),
		})
	})
	Register("feature_engineering", func(env *Env) *Pipeline {
		return New("feature_engineering", Node{
			Name:    "feature_engineering_node",
			Inputs:  []string{RolledUpData, HolidayCalendar, FeatureEngineeringParams},
			Outputs: []string{FeatureData},
			Func:    featuresNode(env),
		})
	})
	Register("mixed_modelling", func(env *Env) *Pipeline {
		return New("mixed_modelling", Node{
			Name:    "mixed_modelling_node",
			Inputs:  []string{FeatureData, MixedModellingParams},
			Outputs: []string{ModelResults, FixedEffects, RandomEffects, ModelFormula},
			Func:    mixedModellingNode(env),
		})
	})
}

// paramsSection returns a parameters section as a map. An empty section is
// an empty map.
func paramsSection(in map[string]any, name string) (map[string]any, error) {
	v, ok := in[name]
	if !ok {
		return nil, fmt.Errorf("input %q not provided", name)
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &core.SpecificationError{Field: strings.TrimPrefix(name, ParamsPrefix), Reason: fmt.Sprintf("expected a mapping, got %T", v)}
	}
	return m, nil
}

func rollupNode(env *Env) Func {
	return func(ctx context.Context, in map[string]any) (map[string]any, error) {
		raw, err := Input[*dataset.Dataset](in, RawData)
		if err != nil {
			return nil, err
		}
		master, err := Input[*dataset.Dataset](in, ProductMaster)
		if err != nil {
			return nil, err
		}
		section, err := paramsSection(in, PreprocessingParams)
		if err != nil {
			return nil, err
		}
		params, err := rollup.ParseParams(section)
		if err != nil {
			return nil, err
		}
		if env == nil || env.Warehouse == nil {
			return nil, errors.New("no warehouse configured for the rollup")
		}

		wh, err := env.Warehouse(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open warehouse: %w", err)
		}
		defer func() { _ = wh.Close() }()

		out, err := rollup.RunDatasets(ctx, wh, raw, master, params, env.StagingDir, env.logger())
		if err != nil {
			return nil, err
		}
		return map[string]any{RolledUpData: out}, nil
	}
}

func featuresNode(env *Env) Func {
	return func(_ context.Context, in map[string]any) (map[string]any, error) {
		rolled, err := Input[*dataset.Dataset](in, RolledUpData)
		if err != nil {
			return nil, err
		}
		holidays, err := Input[*dataset.Dataset](in, HolidayCalendar)
		if err != nil {
			return nil, err
		}
		section, err := paramsSection(in, FeatureEngineeringParams)
		if err != nil {
			return nil, err
		}
		params, err := features.ParseParams(section)
		if err != nil {
			return nil, err
		}
		out, err := features.Engineer(rolled, holidays, params, env.logger())
		if err != nil {
			return nil, err
		}
		return map[string]any{FeatureData: out}, nil
	}
}

func mixedModellingNode(env *Env) Func {
	return func(ctx context.Context, in map[string]any) (map[string]any, error) {
		data, err := Input[*dataset.Dataset](in, FeatureData)
		if err != nil {
			return nil, err
		}
		section, err := paramsSection(in, MixedModellingParams)
		if err != nil {
			return nil, err
		}
		models, err := spec.ParseModels(section)
		if err != nil {
			return nil, err
		}
		if env == nil || env.Batch == nil {
			return nil, errors.New("no model fitter configured")
		}

		results, err := env.Batch.FitAll(ctx, data, models)
		if err != nil {
			if recErr := recordFailure(ctx, env, err); recErr != nil {
				env.logger().Warn("failed to record failed fit", "error", recErr)
			}
			return nil, err
		}
		if err := recordFits(ctx, env, results); err != nil {
			env.logger().Warn("failed to record fits", "error", err)
		}
		return CombineResults(results), nil
	}
}

// CombineResults turns fit results into the mixed-modelling outputs. When
// more than one model was fit, every table gains a model column and the
// formula output lists one "name: formula" line per model.
func CombineResults(results []mixedmodel.NamedResult) map[string]any {
	multi := len(results) > 1
	var rows, fixed, random []*dataset.Dataset
	var formulas []string
	for _, nr := range results {
		res := nr.Result
		r, f, re := dataset.New(), dataset.New(), dataset.New()
		if res.Rows != nil {
			r = res.Rows
		}
		if res.Fixed != nil {
			f = res.Fixed.Dataset()
		}
		if res.Random != nil {
			re = res.Random.Data
		}
		if multi {
			r, f, re = withModel(r, nr.Name), withModel(f, nr.Name), withModel(re, nr.Name)
			formulas = append(formulas, nr.Name+": "+res.Formula.String())
		} else {
			formulas = append(formulas, res.Formula.String())
		}
		rows, fixed, random = append(rows, r), append(fixed, f), append(random, re)
	}
	return map[string]any{
		ModelResults:  dataset.Concat(rows...),
		FixedEffects:  dataset.Concat(fixed...),
		RandomEffects: dataset.Concat(random...),
		ModelFormula:  strings.Join(formulas, "\n"),
	}
}

func withModel(d *dataset.Dataset, name string) *dataset.Dataset {
	out := dataset.New(ModelColumn)
	out = dataset.Concat(out, d)
	cells := make([]any, out.Len())
	for i := range cells {
		cells[i] = name
	}
	_ = out.SetColumn(ModelColumn, cells)
	return out
}

func recordFits(ctx context.Context, env *Env, results []mixedmodel.NamedResult) error {
	runID, ok := RunIDFromContext(ctx)
	if env.Store == nil || !ok {
		return nil
	}
	var errs []error
	for _, nr := range results {
		res := nr.Result
		rec := &core.FitRecord{
			RunID:       runID,
			Name:        nr.Name,
			Formula:     res.Formula.String(),
			Status:      core.FitStatusSuccess,
			ExecutionMS: res.Elapsed.Milliseconds(),
		}
		if res.Rows != nil {
			rec.Rows = res.Rows.Len()
		}
		if res.Degraded {
			rec.Status = core.FitStatusDegraded
			if res.Cause != nil {
				rec.Error = res.Cause.Error()
			}
		}
		if res.Fixed != nil {
			rec.FixedEffects = fixedRecords(res.Fixed)
		}
		if err := env.Store.RecordFit(rec); err != nil {
			errs = append(errs, fmt.Errorf("model %q: %w", nr.Name, err))
		}
	}
	return errors.Join(errs...)
}

// recordFailure stores a failed fit for the model named by a
// *mixedmodel.ModelError in err. Other errors are not tied to one model and
// are left to the run record.
func recordFailure(ctx context.Context, env *Env, err error) error {
	runID, ok := RunIDFromContext(ctx)
	var modelErr *mixedmodel.ModelError
	if env.Store == nil || !ok || !errors.As(err, &modelErr) {
		return nil
	}
	return env.Store.RecordFit(&core.FitRecord{
		RunID:   runID,
		Name:    modelErr.Name,
		Formula: modelErr.Formula,
		Status:  core.FitStatusFailed,
		Error:   modelErr.Err.Error(),
	})
}

func fixedRecords(t *effects.FixedEffectsTable) []core.FixedEffectRecord {
	out := make([]core.FixedEffectRecord, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = core.FixedEffectRecord{
			Effect:      r.Effect,
			Estimate:    r.Estimate,
			StdErr:      r.StdErr,
			ZValue:      r.ZValue,
			PValue:      r.PValue,
			Significant: r.Significant,
		}
	}
	return out
}
