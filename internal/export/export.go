// Package export writes result tables to CSV and Excel workbooks and reads
// them back.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/leapstack-labs/econmix/pkg/dataset"
)

// Sheet is one named table in a workbook.
type Sheet struct {
	Name string
	Data *dataset.Dataset
}

// WriteXLSX writes sheets to a new workbook at path, in order. The
// workbook's default sheet is renamed to the first sheet.
func WriteXLSX(path string, sheets ...Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("no sheets to write")
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), s.Name); err != nil {
				return fmt.Errorf("failed to name sheet %q: %w", s.Name, err)
			}
		} else if _, err := f.NewSheet(s.Name); err != nil {
			return fmt.Errorf("failed to add sheet %q: %w", s.Name, err)
		}
		if err := writeSheet(f, s); err != nil {
			return err
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

func writeSheet(f *excelize.File, s Sheet) error {
	header := s.Data.Columns()
	row := make([]any, len(header))
	for j, c := range header {
		row[j] = c
	}
	if err := f.SetSheetRow(s.Name, "A1", &row); err != nil {
		return fmt.Errorf("failed to write header of %q: %w", s.Name, err)
	}
	for i := range s.Data.Len() {
		cells := make([]any, len(header))
		for j, c := range header {
			cells[j] = s.Data.Value(i, c)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(s.Name, cell, &cells); err != nil {
			return fmt.Errorf("failed to write row %d of %q: %w", i+1, s.Name, err)
		}
	}
	return nil
}

// ReadXLSX reads a sheet into a dataset; the first row is the header. An
// empty sheet name reads the first sheet.
func ReadXLSX(path, sheet string) (*dataset.Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q of %s: %w", sheet, path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q of %s has no header row", sheet, path)
	}
	return dataset.FromStrings(rows[0], rows[1:])
}

// Write saves d to path, choosing the format from the extension: .xlsx
// writes a single-sheet workbook named after the file, anything else CSV.
func Write(path string, d *dataset.Dataset) error {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return WriteXLSX(path, Sheet{Name: SheetName(path), Data: d})
	}
	return d.WriteCSVFile(path)
}

// SheetName derives a worksheet name from a file path. Excel limits names
// to 31 characters.
func SheetName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if len(name) > 31 {
		name = name[:31]
	}
	if name == "" {
		name = "Sheet1"
	}
	return name
}

// Result sheet and file names used by WriteResults.
const (
	ResultRows    = "model_results"
	ResultFixed   = "fixed_effects"
	ResultRandom  = "random_effects"
	ResultFormula = "model_formula"
)

// WriteResults writes the tables of a fit. A path ending in .xlsx becomes a
// workbook with one sheet per table; any other path is a directory that
// receives one CSV file per table and a model_formula.txt file.
func WriteResults(path string, rows, fixed, random *dataset.Dataset, formula string) error {
	formulaTable := dataset.New("formula")
	if err := formulaTable.AppendRow([]any{formula}); err != nil {
		return err
	}
	sheets := []Sheet{
		{Name: ResultRows, Data: rows},
		{Name: ResultFixed, Data: fixed},
		{Name: ResultRandom, Data: random},
	}

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return WriteXLSX(path, append(sheets, Sheet{Name: ResultFormula, Data: formulaTable})...)
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	for _, s := range sheets {
		if err := s.Data.WriteCSVFile(filepath.Join(path, s.Name+".csv")); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(path, ResultFormula+".txt"), []byte(formula+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write formula: %w", err)
	}
	return nil
}
