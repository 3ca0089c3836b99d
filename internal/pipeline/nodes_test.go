package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/internal/mixedmodel"
	"github.com/leapstack-labs/econmix/internal/testutil"
	"github.com/leapstack-labs/econmix/pkg/adapter"
	"github.com/leapstack-labs/econmix/pkg/adapters/duckdb"
	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
	"github.com/leapstack-labs/econmix/pkg/engine"
	"github.com/leapstack-labs/econmix/pkg/engine/enginetest"
)

func TestRegistry(t *testing.T) {
	names := List()
	assert.Contains(t, names, "data_preprocessing")
	assert.Contains(t, names, "feature_engineering")
	assert.Contains(t, names, "mixed_modelling")
	assert.Equal(t, DefaultName, names[len(names)-1])
	assert.True(t, IsRegistered(DefaultName))
	assert.False(t, IsRegistered("data_ingestion"))

	p, err := Build(DefaultName, &Env{})
	require.NoError(t, err)
	var nodes []string
	for _, n := range p.Nodes {
		nodes = append(nodes, n.Name)
	}
	assert.Equal(t, []string{"data_rollup_node", "feature_engineering_node", "mixed_modelling_node"}, nodes)
	assert.Equal(t, []string{RawData, ProductMaster, HolidayCalendar}, p.FreeInputs())

	_, err = Build("data_ingestion", &Env{})
	var unknown *UnknownPipelineError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, unknown.Error(), "econmix pipelines")
}

func posData(t *testing.T) (raw, master, holidays *dataset.Dataset) {
	t.Helper()
	raw = dataset.New("sku_id", "retailer_id", "week_id", "total_volume", "promo_volume", "total_sales", "promo_sales",
		"promo_acv_tpr", "promo_acv_feature", "promo_acv_display", "promo_acv_feature_display", "acv_weighted_distribution")
	for week := 1; week <= 3; week++ {
		for r, retailer := range []string{"R1", "R2"} {
			for s, sku := range []string{"S1", "S2", "S3"} {
				vol := float64(10*(s+1) + week + r)
				require.NoError(t, raw.AppendRow([]any{sku, retailer, week, vol, vol / 2, vol * 2.5, vol, 0.1 * float64(s), 0.2, 0.0, 0.0, 0.9}))
			}
		}
	}

	var err error
	master, err = dataset.FromRecords(
		[]string{"sku_id", "ppg_id", "brand", "sub_brand", "size", "pack_count"},
		[][]any{
			{"S1", "P1", "Fizz", "Fizz Zero", "330ml", 6},
			{"S2", "P1", "Fizz", "Fizz Lime", "330ml", 6},
			{"S3", "P2", "Pop", "Pop Classic", "500ml", 1},
		},
	)
	require.NoError(t, err)
	holidays, err = dataset.FromRecords([]string{"week_id", "holiday_flag"}, [][]any{{1, 0}, {2, 1}, {3, 0}})
	require.NoError(t, err)
	return raw, master, holidays
}

func mixedModellingParams() map[string]any {
	return map[string]any{
		"hierarchy_levels": []any{"ppg_id", "retailer_id"},
		"model_specification": map[string]any{
			"dependent_variable": "log_total_volume",
			"main_effects":       []any{"log_avg_price"},
			"random_effects": map[string]any{
				"correlated": []any{map[string]any{"by_level": "ppg_id"}},
			},
		},
	}
}

func testEnv(t *testing.T, fake *enginetest.Fake, store core.Store) *Env {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	fitter := mixedmodel.NewFitter(fake.Provider(), mixedmodel.WithStagingDir(t.TempDir()), mixedmodel.WithLogger(logger))
	return &Env{
		Warehouse: func(ctx context.Context) (adapter.Adapter, error) {
			a := duckdb.New(logger)
			if err := a.Connect(ctx, adapter.Config{Path: ":memory:"}); err != nil {
				return nil, err
			}
			return a, nil
		},
		Batch:      mixedmodel.NewBatch(fitter, mixedmodel.WithBatchLogger(logger)),
		Store:      store,
		StagingDir: t.TempDir(),
		Logger:     logger,
	}
}

func TestDefaultPipeline_EndToEnd(t *testing.T) {
	raw, master, holidays := posData(t)
	cat := seeded(t, map[string]any{RawData: raw, ProductMaster: master, HolidayCalendar: holidays})
	fake := &enginetest.Fake{}
	store := newMemStore()
	env := testEnv(t, fake, store)

	p, err := Build(DefaultName, env)
	require.NoError(t, err)

	params := map[string]any{
		"preprocessing":       map[string]any{"min_sales_threshold": 0},
		"feature_engineering": map[string]any{"loess_frac": 0.5},
		"mixed_modelling":     mixedModellingParams(),
	}
	summary, err := NewRunner(cat, WithParams(params), WithStore(store), WithRunnerLogger(env.Logger)).
		Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	require.Len(t, summary.Nodes, 3)

	rolledV, err := cat.Load(RolledUpData)
	require.NoError(t, err)
	rolled := rolledV.(*dataset.Dataset)
	assert.Equal(t, 12, rolled.Len(), "2 PPGs x 2 retailers x 3 weeks")

	featV, err := cat.Load(FeatureData)
	require.NoError(t, err)
	feat := featV.(*dataset.Dataset)
	assert.True(t, feat.HasColumn("log_avg_price"))
	assert.True(t, feat.HasColumn("week_3"))

	resultsV, err := cat.Load(ModelResults)
	require.NoError(t, err)
	results := resultsV.(*dataset.Dataset)
	assert.Equal(t, 12, results.Len())
	assert.True(t, results.HasColumn(mixedmodel.ColPrediction))
	assert.False(t, results.HasColumn(ModelColumn), "single model has no model column")

	formula, err := cat.Load(ModelFormula)
	require.NoError(t, err)
	assert.Equal(t, "log_total_volume ~ log_avg_price + (1|ppg_id)", formula)

	randomV, err := cat.Load(RandomEffects)
	require.NoError(t, err)
	assert.Equal(t, 2, randomV.(*dataset.Dataset).Len())

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"ppg_id", "retailer_id"}, reqs[0].Groups)

	fits, err := store.GetFitsForRun(summary.RunID)
	require.NoError(t, err)
	require.Len(t, fits, 1)
	assert.Equal(t, "default", fits[0].Name)
	assert.Equal(t, core.FitStatusSuccess, fits[0].Status)
	assert.Equal(t, 12, fits[0].Rows)
	require.Len(t, fits[0].FixedEffects, 1)
}

func TestMixedModelling_SeveralModels(t *testing.T) {
	data, err := dataset.FromRecords(
		[]string{"ppg_id", "retailer_id", "log_total_volume", "log_avg_price"},
		[][]any{
			{"P1", "R1", 1.0, 0.1},
			{"P1", "R2", 1.2, 0.2},
			{"P2", "R1", 0.8, 0.3},
		},
	)
	require.NoError(t, err)
	cat := seeded(t, map[string]any{FeatureData: data})

	byRetailer := mixedModellingParams()
	byRetailer["hierarchy_levels"] = []any{"retailer_id"}
	byRetailer["model_specification"].(map[string]any)["random_effects"] = map[string]any{
		"uncorrelated": map[string]any{"intercepts": []any{"retailer_id"}},
	}
	params := map[string]any{
		"mixed_modelling": map[string]any{
			"models": map[string]any{
				"by_ppg":      mixedModellingParams(),
				"by_retailer": byRetailer,
			},
		},
	}

	p, err := Build("mixed_modelling", testEnv(t, &enginetest.Fake{}, nil))
	require.NoError(t, err)
	_, err = NewRunner(cat, WithParams(params)).Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)

	formula, err := cat.Load(ModelFormula)
	require.NoError(t, err)
	assert.Equal(t,
		"by_ppg: log_total_volume ~ log_avg_price + (1|ppg_id)\nby_retailer: log_total_volume ~ log_avg_price + (1|retailer_id)",
		formula)

	resultsV, err := cat.Load(ModelResults)
	require.NoError(t, err)
	results := resultsV.(*dataset.Dataset)
	assert.Equal(t, 6, results.Len())
	assert.Equal(t, ModelColumn, results.Columns()[0])
	assert.Equal(t, "by_ppg", results.Value(0, ModelColumn))
	assert.Equal(t, "by_retailer", results.Value(5, ModelColumn))

	fixedV, err := cat.Load(FixedEffects)
	require.NoError(t, err)
	assert.Equal(t, 2, fixedV.(*dataset.Dataset).Len())
}

func TestMixedModelling_RecordsFailedFit(t *testing.T) {
	data, err := dataset.FromRecords(
		[]string{"ppg_id", "retailer_id", "log_total_volume", "log_avg_price"},
		[][]any{
			{"P1", "R1", 1.0, 0.1},
			{"P2", "R2", 1.2, 0.2},
		},
	)
	require.NoError(t, err)
	cat := seeded(t, map[string]any{FeatureData: data})

	fake := &enginetest.Fake{
		FitFunc: func(context.Context, engine.FitRequest) (*engine.FitResult, error) {
			return nil, errors.New("model failed to converge")
		},
	}
	store := newMemStore()
	p, err := Build("mixed_modelling", testEnv(t, fake, store))
	require.NoError(t, err)

	params := map[string]any{"mixed_modelling": mixedModellingParams()}
	summary, err := NewRunner(cat, WithParams(params), WithStore(store)).Run(context.Background(), p, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrFitFailure)
	require.NotNil(t, summary)

	fits, err := store.GetFitsForRun(summary.RunID)
	require.NoError(t, err)
	require.Len(t, fits, 1)
	assert.Equal(t, "default", fits[0].Name)
	assert.Equal(t, core.FitStatusFailed, fits[0].Status)
	assert.Equal(t, "log_total_volume ~ log_avg_price + (1|ppg_id)", fits[0].Formula)
	assert.Contains(t, fits[0].Error, "model failed to converge")
	assert.Empty(t, fits[0].FixedEffects)

	run, err := store.GetRun(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
}

func TestRollupNode_RequiresWarehouse(t *testing.T) {
	raw, master, _ := posData(t)
	fn := rollupNode(&Env{})
	_, err := fn(context.Background(), map[string]any{
		RawData:             raw,
		ProductMaster:       master,
		PreprocessingParams: nil,
	})
	assert.ErrorContains(t, err, "no warehouse")
}

func TestParamsSection(t *testing.T) {
	m, err := paramsSection(map[string]any{"params:x": nil}, "params:x")
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = paramsSection(map[string]any{"params:x": 3}, "params:x")
	var specErr *core.SpecificationError
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, "x", specErr.Field)
}
