package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    *Params
		wantErr bool
	}{
		{
			name:  "nil params returns empty struct",
			input: nil,
			want:  &Params{},
		},
		{
			name: "extensions and settings",
			input: map[string]any{
				"extensions": []any{"excel"},
				"settings":   map[string]any{"memory_limit": "4GB", "threads": 4},
			},
			want: &Params{
				Extensions: []string{"excel"},
				Settings:   map[string]string{"memory_limit": "4GB", "threads": "4"},
			},
		},
		{
			name:  "single extension is lifted to a list",
			input: map[string]any{"extensions": "httpfs"},
			want:  &Params{Extensions: []string{"httpfs"}},
		},
		{
			name:    "unknown key",
			input:   map[string]any{"secrets": []any{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
