// Package adapter provides the warehouse adapter registry and the shared
// database/sql plumbing concrete adapters embed.
//
// The rollup stage runs its aggregation SQL through an Adapter. Concrete
// adapters live in pkg/adapters/ subdirectories and register themselves in
// init().
package adapter

import (
	"context"
	"fmt"

	"github.com/leapstack-labs/econmix/pkg/core"
	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// Type aliases for the contract defined in pkg/core.
type (
	// Adapter is an alias for core.Adapter.
	Adapter = core.Adapter

	// Config is an alias for core.AdapterConfig.
	Config = core.AdapterConfig

	// Rows is an alias for core.Rows.
	Rows = core.Rows
)

// QueryDataset runs query on a and collects the result into a dataset.
func QueryDataset(ctx context.Context, a Adapter, query string) (*dataset.Dataset, error) {
	rows, err := a.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	d, err := dataset.FromSQLRows(rows.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read query result: %w", err)
	}
	return d, nil
}
