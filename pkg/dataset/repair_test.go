package dataset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/pkg/core"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name         string
		columns      []string
		rows         [][]any
		categorical  []string
		wantSentinel bool
		wantMarked   []string
		wantLast     map[string]any
	}{
		{
			name:         "single level column is marked",
			columns:      []string{"ppg", "retailer", "x"},
			rows:         [][]any{{"P1", "R1", 1}, {"P1", "R2", 2}, {"P1", "R1", 3}},
			categorical:  []string{"ppg", "retailer"},
			wantSentinel: true,
			wantMarked:   []string{"ppg"},
			wantLast:     map[string]any{"ppg": "dummy", "retailer": "R1", "x": 1.0},
		},
		{
			name:         "no repair needed",
			columns:      []string{"ppg", "x"},
			rows:         [][]any{{"P1", 1}, {"P2", 2}},
			categorical:  []string{"ppg"},
			wantSentinel: false,
		},
		{
			name:         "several columns share one sentinel row",
			columns:      []string{"ppg", "retailer", "x"},
			rows:         [][]any{{"P1", "R1", 1}, {"P1", "R1", 2}},
			categorical:  []string{"ppg", "retailer"},
			wantSentinel: true,
			wantMarked:   []string{"ppg", "retailer"},
			wantLast:     map[string]any{"ppg": "dummy", "retailer": "dummy", "x": 1.0},
		},
		{
			name:         "all missing counts as zero levels",
			columns:      []string{"ppg", "x"},
			rows:         [][]any{{nil, 1}, {nil, 2}},
			categorical:  []string{"ppg"},
			wantSentinel: true,
			wantMarked:   []string{"ppg"},
			wantLast:     map[string]any{"ppg": "dummy", "x": 1.0},
		},
		{
			name:         "empty dataset",
			columns:      []string{"ppg", "x"},
			categorical:  []string{"ppg"},
			wantSentinel: true,
			wantMarked:   []string{"ppg"},
			wantLast:     map[string]any{"ppg": "dummy", "x": nil},
		},
		{
			name:         "no categorical columns",
			columns:      []string{"ppg"},
			rows:         [][]any{{"P1"}},
			wantSentinel: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := FromRecords(tt.columns, tt.rows)
			require.NoError(t, err)

			res, err := Repair(in, tt.categorical)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSentinel, res.SentinelAdded)
			assert.Equal(t, tt.wantMarked, res.Marked)
			assert.Equal(t, len(tt.rows), in.Len(), "input must not be modified")

			if !tt.wantSentinel {
				assert.Equal(t, in.Len(), res.Data.Len())
				return
			}
			require.Equal(t, in.Len()+1, res.Data.Len())
			assert.Equal(t, tt.wantLast, res.Data.Row(res.Data.Len()-1))
		})
	}
}

func TestRepair_EveryColumnHasTwoLevels(t *testing.T) {
	in, err := FromRecords([]string{"a", "b", "c"}, [][]any{
		{"x", "y", "z"}, {"x", "y2", "z"},
	})
	require.NoError(t, err)

	res, err := Repair(in, []string{"a", "b", "c"})
	require.NoError(t, err)

	for _, c := range []string{"a", "b", "c"} {
		n, err := res.Data.NUnique(c)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 2, c)
	}
}

func TestRepair_UnknownColumn(t *testing.T) {
	in, err := FromRecords([]string{"a"}, [][]any{{"x"}})
	require.NoError(t, err)

	_, err = Repair(in, []string{"a", "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSpecification))

	var specErr *core.SpecificationError
	require.ErrorAs(t, err, &specErr)
	assert.Equal(t, "missing", specErr.Field)
}

func TestRepairResult_StripSentinel(t *testing.T) {
	in, err := FromRecords([]string{"ppg", "retailer"}, [][]any{
		{"P1", "R1"}, {"P1", "R2"},
	})
	require.NoError(t, err)

	res, err := Repair(in, []string{"ppg", "retailer"})
	require.NoError(t, err)
	require.True(t, res.SentinelAdded)

	stripped := res.StripSentinel(res.Data)
	assert.Equal(t, 2, stripped.Len())
	assert.Equal(t, "P1", stripped.Value(1, "ppg"))

	clean := &RepairResult{Data: in}
	assert.Same(t, in, clean.StripSentinel(in))
}

func TestRepairResult_StripSentinelKeepsGenuineDummyLevels(t *testing.T) {
	in, err := FromRecords([]string{"ppg", "retailer"}, [][]any{
		{"P1", "dummy"}, {"P1", "R2"},
	})
	require.NoError(t, err)

	res, err := Repair(in, []string{"ppg", "retailer"})
	require.NoError(t, err)
	require.Equal(t, []string{"ppg"}, res.Marked)

	// Only ppg is marked, so the user's own "dummy" retailer survives.
	stripped := res.StripSentinel(res.Data)
	assert.Equal(t, 2, stripped.Len())
}

func TestRepairResult_StripSentinelLevels(t *testing.T) {
	in, err := FromRecords([]string{"ppg", "retailer"}, [][]any{
		{"P1", "R1"}, {"P1", "R2"},
	})
	require.NoError(t, err)
	res, err := Repair(in, []string{"ppg", "retailer"})
	require.NoError(t, err)

	groups, err := FromRecords([]string{"ppg", "(Intercept)"}, [][]any{
		{"P1", 0.1}, {"dummy", -0.1},
	})
	require.NoError(t, err)

	stripped := res.StripSentinelLevels(groups)
	require.Equal(t, 1, stripped.Len())
	assert.Equal(t, "P1", stripped.Value(0, "ppg"))

	other, err := FromRecords([]string{"retailer"}, [][]any{{"R1"}})
	require.NoError(t, err)
	assert.Same(t, other, res.StripSentinelLevels(other))
}
