package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet to read.
type XLSXOptions struct {
	SheetIndex int
	SheetName  string // overrides SheetIndex when set
}

// Table is a sheet split into a header row and data rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of the header matching name case-insensitively,
// or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

// Cell returns row[col] trimmed, or "" when out of range.
func Cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// ReadXLSX reads a sheet. The header is the first row with at least two
// non-empty cells, which skips title banners above the table. Fully empty
// rows are dropped.
func ReadXLSX(path string, opts XLSXOptions) (*Table, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xlsx: open %s", path)
	}

	var sheet *xlsx.Sheet
	if opts.SheetName != "" {
		s, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		sheet = s
	} else {
		if opts.SheetIndex >= len(f.Sheets) {
			return nil, eris.Errorf("xlsx: sheet index %d out of range (%d sheets)", opts.SheetIndex, len(f.Sheets))
		}
		sheet = f.Sheets[opts.SheetIndex]
	}

	t := &Table{}
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		filled := 0
		for j, c := range row.Cells {
			cells[j] = c.String()
			if strings.TrimSpace(cells[j]) != "" {
				filled++
			}
		}
		switch {
		case filled == 0:
		case t.Header == nil && filled >= 2:
			t.Header = cells
		case t.Header != nil:
			t.Rows = append(t.Rows, cells)
		}
	}
	if t.Header == nil {
		return nil, eris.Errorf("xlsx: no header row in %s", path)
	}
	return t, nil
}
