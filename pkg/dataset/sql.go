package dataset

import (
	"database/sql"
	"fmt"
	"time"
)

// FromSQLRows drains rows into a dataset. Column order follows the query.
// The caller still owns rows and must close them.
func FromSQLRows(rows *sql.Rows) (*Dataset, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	d := New(cols...)
	if len(d.columns) != len(cols) {
		return nil, fmt.Errorf("duplicate column names in result set %v", cols)
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if t, ok := v.(time.Time); ok {
				values[i] = t.Format(time.DateOnly)
			}
		}
		if err := d.AppendRow(values); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return d, nil
}
