package spec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/pkg/core"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		want    Format
		wantErr bool
	}{
		{name: "flat keys", params: map[string]any{"lvl1": "ppg"}, want: FormatFlat},
		{name: "namespaced flat keys", params: map[string]any{"mixed_modeling.fe_lvl2_var": []any{"x"}}, want: FormatFlat},
		{name: "nested flat keys", params: map[string]any{"mixed_modeling": map[string]any{"lvl1": "ppg"}}, want: FormatFlat},
		{name: "nested model section", params: map[string]any{"model_specification": map[string]any{"main_effects": []any{"x"}}}, want: FormatHierarchical},
		{name: "hierarchical", params: map[string]any{"hierarchy_levels": []any{"ppg"}}, want: FormatHierarchical},
		{name: "empty defaults to hierarchical", params: map[string]any{}, want: FormatHierarchical},
		{name: "explicit override", params: map[string]any{"lvl1": "ppg", "spec_format": "hierarchical"}, want: FormatHierarchical},
		{name: "unknown explicit format", params: map[string]any{"spec_format": "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.params)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, core.ErrSpecification))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Flat(t *testing.T) {
	s, err := Parse(map[string]any{
		"target":      "log_vol",
		"lvl1":        "retailer_id",
		"lvl2":        "ppg_id",
		"fe_lvl1_var": []any{"log_price"},
		"fe_lvl2_var": []any{"log_acv", "trend"},
		"re_lvl2_var": []any{"log_price"},
	})
	require.NoError(t, err)

	assert.Equal(t, FormatFlat, s.Format)
	assert.Equal(t, Version, s.Version)
	assert.Equal(t, "log_vol", s.Target)
	assert.Equal(t, OpProduct, s.InteractionOperator)
	assert.Equal(t, []string{"retailer_id", "ppg_id"}, s.HierarchyLevels)
	assert.Equal(t, []FixedTerm{
		{Measure: "log_price", WithLevel: "retailer_id"},
		{Measure: "log_acv", WithLevel: "ppg_id"},
		{Measure: "trend", WithLevel: "ppg_id"},
	}, s.FixedEffects)
	assert.Equal(t, []CorrelatedGroup{
		{ByLevel: "retailer_id", WithIntercept: true},
		{ByLevel: "ppg_id", WithIntercept: true, Measures: []string{"log_price"}},
	}, s.RandomEffects.Correlated)
}

func TestParse_FlatFixedEffectWithoutLevelIsMainEffect(t *testing.T) {
	s, err := Parse(map[string]any{
		"mixed_modeling.fe_lvl1_var": []any{"log_price"},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultTarget, s.Target)
	assert.Empty(t, s.HierarchyLevels)
	assert.Equal(t, []FixedTerm{{Measure: "log_price"}}, s.FixedEffects)
	assert.Empty(t, s.RandomEffects.Correlated)
}

func TestParse_FlatNestedNamespace(t *testing.T) {
	dotted, err := Parse(map[string]any{
		"mixed_modeling.lvl1":        "ppg_id",
		"mixed_modeling.fe_lvl1_var": []any{"log_price"},
		"mixed_modeling.re_lvl1_var": []any{"log_price"},
	})
	require.NoError(t, err)

	nested, err := Parse(map[string]any{
		"mixed_modeling": map[string]any{
			"lvl1":        "ppg_id",
			"fe_lvl1_var": []any{"log_price"},
			"re_lvl1_var": []any{"log_price"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, FormatFlat, nested.Format)
	assert.Equal(t, dotted, nested)
	assert.Equal(t, []string{"ppg_id"}, nested.HierarchyLevels)
}

func TestParse_Hierarchical(t *testing.T) {
	s, err := Parse(map[string]any{
		"hierarchy_levels": []any{"retailer_id", "ppg_id"},
		"model_specification": map[string]any{
			"dependent_variable": "log_vol",
			"main_effects":       []any{"log_price", "trend"},
			"interactions": []any{
				map[string]any{"measure": "log_price", "with_level": "retailer_id"},
			},
			"random_effects": map[string]any{
				"uncorrelated": map[string]any{
					"intercepts": []any{"retailer_id"},
					"slopes": []any{
						map[string]any{"measure": "log_acv", "by_level": "retailer_id"},
					},
				},
				"correlated": []any{
					map[string]any{"measure": "log_price", "by_level": "ppg_id", "with_intercept": true},
					map[string]any{"measure": "log_acv", "by_level": "ppg_id", "with_intercept": false},
					map[string]any{"measure": "log_price", "by_level": "ppg_id"},
				},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, FormatHierarchical, s.Format)
	assert.Equal(t, "log_vol", s.Target)
	assert.Equal(t, OpInteraction, s.InteractionOperator)
	assert.Equal(t, []FixedTerm{
		{Measure: "log_price"},
		{Measure: "trend"},
		{Measure: "log_price", WithLevel: "retailer_id"},
	}, s.FixedEffects)
	assert.Equal(t, []string{"retailer_id"}, s.RandomEffects.Uncorrelated.Intercepts)
	assert.Equal(t, []Slope{{Measure: "log_acv", ByLevel: "retailer_id"}}, s.RandomEffects.Uncorrelated.Slopes)
	assert.Equal(t, []CorrelatedGroup{
		{ByLevel: "ppg_id", WithIntercept: true, Measures: []string{"log_price", "log_acv"}},
	}, s.RandomEffects.Correlated)
}

func TestParse_HierarchicalAtTopLevel(t *testing.T) {
	s, err := Parse(map[string]any{
		"hierarchy_levels": "ppg",
		"target":           "log_vol",
		"main_effects":     "log_price",
	})
	require.NoError(t, err)

	assert.Equal(t, "log_vol", s.Target)
	assert.Equal(t, []string{"ppg"}, s.HierarchyLevels)
	assert.Equal(t, []FixedTerm{{Measure: "log_price"}}, s.FixedEffects)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		field  string
	}{
		{name: "empty flat target", params: map[string]any{"lvl1": "ppg", "target": ""}, field: "target"},
		{name: "empty dependent variable", params: map[string]any{
			"model_specification": map[string]any{"dependent_variable": ""},
		}, field: "target"},
		{name: "bad operator", params: map[string]any{"interaction_operator": "+"}, field: "interaction_operator"},
		{name: "non-string level", params: map[string]any{"lvl1": 3}, field: "lvl1"},
		{name: "slope without level", params: map[string]any{
			"random_effects": map[string]any{
				"uncorrelated": map[string]any{"slopes": []any{map[string]any{"measure": "x"}}},
			},
		}, field: "random_effects.uncorrelated.slopes[0]"},
		{name: "model specification not a map", params: map[string]any{"model_specification": "x"}, field: "model_specification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.params)
			require.Error(t, err)
			var specErr *core.SpecificationError
			require.ErrorAs(t, err, &specErr)
			assert.Equal(t, tt.field, specErr.Field)
		})
	}
}

func TestModelSpecification_Columns(t *testing.T) {
	s := &ModelSpecification{
		Target:          "y",
		HierarchyLevels: []string{"retailer", "ppg"},
		FixedEffects:    []FixedTerm{{Measure: "price", WithLevel: "brand"}},
		RandomEffects: RandomEffects{
			Uncorrelated: Uncorrelated{Slopes: []Slope{{Measure: "acv", ByLevel: "region"}}},
			Correlated:   []CorrelatedGroup{{ByLevel: "ppg", WithIntercept: true, Measures: []string{"price"}}},
		},
	}

	assert.Equal(t, []string{"region", "ppg"}, s.RandomLevels())
	assert.Equal(t, "ppg", s.PrimaryLevel(), "retailer carries no random term")
	assert.Equal(t, []string{"ppg", "retailer", "region"}, s.GroupingColumns())
	assert.Equal(t, []string{"y", "ppg", "retailer", "region", "price", "brand", "acv"}, s.ReferencedColumns())

	empty := &ModelSpecification{Target: "y"}
	assert.Equal(t, "", empty.PrimaryLevel())
	assert.Empty(t, empty.GroupingColumns())
}

func TestModelSpecification_PrimaryLevel(t *testing.T) {
	tests := []struct {
		name      string
		hierarchy []string
		random    RandomEffects
		want      string
	}{
		{
			name:      "outermost level with a random term",
			hierarchy: []string{"retailer_id", "ppg_id"},
			random:    RandomEffects{Correlated: []CorrelatedGroup{{ByLevel: "ppg_id", WithIntercept: true, Measures: []string{"x"}}}},
			want:      "ppg_id",
		},
		{
			name:      "outermost level when every level has terms",
			hierarchy: []string{"retailer_id", "ppg_id"},
			random: RandomEffects{
				Uncorrelated: Uncorrelated{Intercepts: []string{"ppg_id", "retailer_id"}},
			},
			want: "retailer_id",
		},
		{
			name:   "random level outside the hierarchy",
			random: RandomEffects{Uncorrelated: Uncorrelated{Slopes: []Slope{{Measure: "x", ByLevel: "region"}}}},
			want:   "region",
		},
		{
			name:      "empty correlated group is ignored",
			hierarchy: []string{"retailer_id", "ppg_id"},
			random: RandomEffects{Correlated: []CorrelatedGroup{
				{ByLevel: "retailer_id"},
				{ByLevel: "ppg_id", WithIntercept: true},
			}},
			want: "ppg_id",
		},
		{
			name:      "no random terms",
			hierarchy: []string{"retailer_id", "ppg_id"},
			want:      "retailer_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &ModelSpecification{Target: "y", HierarchyLevels: tt.hierarchy, RandomEffects: tt.random}
			assert.Equal(t, tt.want, s.PrimaryLevel())
			assert.Equal(t, tt.want, s.GroupingColumns()[0])
		})
	}
}

func TestParseModels(t *testing.T) {
	models, err := ParseModels(map[string]any{
		"models": map[string]any{
			"retailer": map[string]any{"lvl1": "retailer_id"},
			"base":     map[string]any{"hierarchy_levels": []any{"ppg_id"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "base", models[0].Name)
	assert.Equal(t, FormatHierarchical, models[0].Spec.Format)
	assert.Equal(t, "retailer", models[1].Name)
	assert.Equal(t, FormatFlat, models[1].Spec.Format)

	single, err := ParseModels(map[string]any{"lvl1": "ppg"})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "default", single[0].Name)

	_, err = ParseModels(map[string]any{"models": []any{"x"}})
	assert.Error(t, err)
}

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parameters.yml")
	content := `
mixed_modelling:
  hierarchy_levels: [ppg]
  model_specification:
    dependent_variable: log_vol
    main_effects: [log_price]
    random_effects:
      correlated:
        - measure: log_price
          by_level: ppg
          with_intercept: true
rollup:
  min_sales_threshold: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	params, err := LoadParams(path, "mixed_modelling")
	require.NoError(t, err)

	s, err := Parse(params)
	require.NoError(t, err)
	assert.Equal(t, "log_vol", s.Target)
	assert.Equal(t, []CorrelatedGroup{{ByLevel: "ppg", WithIntercept: true, Measures: []string{"log_price"}}}, s.RandomEffects.Correlated)

	_, err = LoadParams(path, "missing")
	assert.Error(t, err)
	_, err = LoadParams(path, "")
	assert.NoError(t, err)
	_, err = LoadParams(filepath.Join(dir, "nope.yml"), "")
	assert.Error(t, err)
}
