package adapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/pkg/adapter"
	_ "github.com/leapstack-labs/econmix/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/econmix/pkg/adapters/postgres"
)

func TestWarehouseAdapters(t *testing.T) {
	assert.Subset(t, adapter.ListAdapters(), []string{"duckdb", "postgres"})

	tests := []struct {
		typ     string
		dialect string
	}{
		{"duckdb", "duckdb"},
		{"postgres", "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			require.True(t, adapter.IsRegistered(tt.typ))
			factory, ok := adapter.Get(tt.typ)
			require.True(t, ok)
			assert.Equal(t, tt.dialect, factory(nil).DialectName())

			adp, err := adapter.NewAdapter(adapter.Config{Type: tt.typ}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, adp.DialectName())
		})
	}
}

func TestNewAdapter_Errors(t *testing.T) {
	_, err := adapter.NewAdapter(adapter.Config{}, nil)
	assert.ErrorContains(t, err, "not specified")

	_, err = adapter.NewAdapter(adapter.Config{Type: "bigquery"}, nil)
	var unknown *adapter.UnknownAdapterError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "bigquery", unknown.Type)
	assert.Equal(t, adapter.ListAdapters(), unknown.Available)
	assert.Contains(t, unknown.Error(), "warehouse.type")
}

func TestDuckDBWarehouseRoundTrip(t *testing.T) {
	ctx := context.Background()
	adp, err := adapter.NewAdapter(adapter.Config{Type: "duckdb"}, nil)
	require.NoError(t, err)
	require.NoError(t, adp.Connect(ctx, adapter.Config{Type: "duckdb", Path: ":memory:"}))
	defer func() { _ = adp.Close() }()

	require.NoError(t, adp.Exec(ctx, "CREATE TABLE weekly (ppg_id VARCHAR, week_id INTEGER, total_volume DOUBLE)"))
	require.NoError(t, adp.Exec(ctx, "INSERT INTO weekly VALUES ('P2', 1, 4.0), ('P1', 1, 3.0), ('P1', 2, 5.0)"))

	d, err := adapter.QueryDataset(ctx, adp,
		"SELECT ppg_id, SUM(total_volume) AS total_volume FROM weekly GROUP BY ppg_id ORDER BY ppg_id")
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())
	assert.Equal(t, "P1", d.Value(0, "ppg_id"))
	assert.InDelta(t, 8.0, d.Value(0, "total_volume"), 1e-12)
}
