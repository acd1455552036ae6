// Package export writes canonical records and their change history as an
// XLSX workbook for analysts.
package export

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/store"
)

// Sheet names.
const (
	SheetRecords = "Startups"
	SheetChanges = "Changes"
)

// recordColumns precede the schema fields on the records sheet.
var recordColumns = []string{
	"Entity ID",
	"Version",
	"Status",
	"Quality Score",
	"Sources",
	"Updated At",
}

var changeColumns = []string{
	"Entity ID",
	"Run ID",
	"Version From",
	"Version To",
	"Field",
	"Old Value",
	"New Value",
	"Changed At",
}

// Options selects what the workbook contains.
type Options struct {
	Status model.RecordStatus
	// Changes adds a sheet with one row per changed field.
	Changes bool
}

// Workbook builds the export in memory.
func Workbook(schema *model.Schema, records []model.CanonicalRecord, deltas []model.ChangeDelta) (*xlsx.File, error) {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(SheetRecords)
	if err != nil {
		return nil, eris.Wrap(err, "export: add records sheet")
	}
	keys := schema.Keys()
	header := sheet.AddRow()
	for _, c := range recordColumns {
		header.AddCell().SetString(c)
	}
	for _, k := range keys {
		header.AddCell().SetString(k)
	}
	for i := range records {
		writeRecord(sheet.AddRow(), schema, keys, &records[i])
	}

	if deltas == nil {
		return f, nil
	}
	changes, err := f.AddSheet(SheetChanges)
	if err != nil {
		return nil, eris.Wrap(err, "export: add changes sheet")
	}
	header = changes.AddRow()
	for _, c := range changeColumns {
		header.AddCell().SetString(c)
	}
	for _, d := range deltas {
		for _, field := range d.Fields() {
			fc := d.ChangedFields[field]
			row := changes.AddRow()
			row.AddCell().SetString(string(d.EntityID))
			row.AddCell().SetString(d.RunID)
			row.AddCell().SetInt(d.VersionFrom)
			row.AddCell().SetInt(d.VersionTo)
			row.AddCell().SetString(field)
			setValue(row.AddCell(), fc.Old)
			setValue(row.AddCell(), fc.New)
			row.AddCell().SetString(d.CreatedAt.UTC().Format(time.RFC3339))
		}
	}
	return f, nil
}

func writeRecord(row *xlsx.Row, schema *model.Schema, keys []string, r *model.CanonicalRecord) {
	row.AddCell().SetString(string(r.EntityID))
	row.AddCell().SetInt(r.Version)
	row.AddCell().SetString(string(r.Status))
	row.AddCell().SetFloat(r.QualityScore(schema))
	row.AddCell().SetString(strings.Join(r.Sources, ", "))
	row.AddCell().SetString(r.UpdatedAt.UTC().Format(time.RFC3339))
	for _, k := range keys {
		setValue(row.AddCell(), r.Fields[k])
	}
}

// setValue keeps numbers numeric so spreadsheets can sort and sum them.
func setValue(c *xlsx.Cell, v any) {
	switch val := v.(type) {
	case nil:
	case int64:
		c.SetInt64(val)
	case float64:
		c.SetFloat(val)
	default:
		c.SetString(model.FormatValue(val))
	}
}

// Write loads records (and their history when opts.Changes is set) from st
// and writes the workbook to w.
func Write(ctx context.Context, w io.Writer, st store.Store, schema *model.Schema, opts Options) (int, error) {
	records, err := st.ListCanonical(ctx, store.ListFilter{Status: opts.Status})
	if err != nil {
		return 0, eris.Wrap(err, "export: list records")
	}
	var deltas []model.ChangeDelta
	if opts.Changes {
		deltas, err = st.ListDeltas(ctx, "")
		if err != nil {
			return 0, eris.Wrap(err, "export: list changes")
		}
		if deltas == nil {
			deltas = []model.ChangeDelta{}
		}
	}

	f, err := Workbook(schema, records, deltas)
	if err != nil {
		return 0, err
	}
	if err := f.Write(w); err != nil {
		return 0, eris.Wrap(err, "export: write workbook")
	}
	return len(records), nil
}

// Save writes the workbook to path.
func Save(ctx context.Context, path string, st store.Store, schema *model.Schema, opts Options) (int, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "export: create %s", path)
	}
	n, err := Write(ctx, out, st, schema, opts)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = eris.Wrapf(cerr, "export: close %s", path)
	}
	return n, err
}
