package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadCSV reads a comma-separated table with a header row.
//
// Each column is typed independently: a column whose non-empty cells all
// parse as numbers becomes float64, any other column stays text. A column
// holding a zero-padded cell such as "007" stays text so identifiers keep
// their leading zeros. Empty cells are missing (nil).
func ReadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}

	return FromStrings(records[0], records[1:])
}

// FromStrings builds a dataset from text cells with the same per-column
// typing as ReadCSV. Short rows are padded with missing cells.
func FromStrings(header []string, body [][]string) (*Dataset, error) {
	d := New(header...)
	if len(d.columns) != len(header) {
		return nil, fmt.Errorf("duplicate column names in header %v", header)
	}

	cell := func(rec []string, j int) string {
		if j < len(rec) {
			return rec[j]
		}
		return ""
	}
	numeric := make([]bool, len(header))
	for j := range header {
		numeric[j] = true
		for _, rec := range body {
			c := cell(rec, j)
			if c == "" {
				continue
			}
			if _, err := strconv.ParseFloat(c, 64); err != nil || zeroPadded(c) {
				numeric[j] = false
				break
			}
		}
	}

	d.rows = make([][]any, 0, len(body))
	for i, rec := range body {
		if len(rec) > len(header) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d", i+1, len(rec), len(header))
		}
		row := make([]any, len(header))
		for j := range header {
			c := cell(rec, j)
			switch {
			case c == "":
				row[j] = nil
			case numeric[j]:
				f, _ := strconv.ParseFloat(c, 64)
				row[j] = f
			default:
				row[j] = c
			}
		}
		d.rows = append(d.rows, row)
	}
	return d, nil
}

// zeroPadded reports whether c is an integer part with a leading zero, as in
// "001" or "-07". "0" and "0.5" are not zero-padded.
func zeroPadded(c string) bool {
	c = strings.TrimLeft(c, "+-")
	return len(c) > 1 && c[0] == '0' && c[1] >= '0' && c[1] <= '9'
}

// ReadCSVFile reads a CSV file from disk.
func ReadCSVFile(path string) (*Dataset, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the catalog
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	d, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteCSV writes the dataset with a header row. Missing cells are written
// empty and floats use the shortest exact representation.
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.columns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	rec := make([]string, len(d.columns))
	for _, r := range d.rows {
		for j, v := range r {
			rec[j] = FormatValue(v)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the dataset to path, creating or truncating it.
func (d *Dataset) WriteCSVFile(path string) (err error) {
	f, err := os.Create(path) //nolint:gosec // path comes from the catalog
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return d.WriteCSV(f)
}
