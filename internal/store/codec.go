package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resolve"
)

const defaultListLimit = 500

// recordRow is the column form of a canonical record.
type recordRow struct {
	EntityID     string
	Name         string
	NameToken    string
	SchemeID     string
	CIN          string
	Domain       string
	Fields       []byte
	Provenance   []byte
	Sources      []byte
	QualityScore float64
	Version      int
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func encodeRecord(schema *model.Schema, r *model.CanonicalRecord) (*recordRow, error) {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal fields")
	}
	prov, err := json.Marshal(r.Provenance)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal provenance")
	}
	sources := r.Sources
	if sources == nil {
		sources = []string{}
	}
	src, err := json.Marshal(sources)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal sources")
	}
	status := r.Status
	if status == "" {
		status = model.StatusActive
	}
	name := r.Name()
	return &recordRow{
		EntityID:     string(r.EntityID),
		Name:         name,
		NameToken:    resolve.FirstToken(resolve.NormalizeName(name)),
		SchemeID:     r.SchemeID(),
		CIN:          r.CIN(),
		Domain:       r.Domain(),
		Fields:       fields,
		Provenance:   prov,
		Sources:      src,
		QualityScore: r.QualityScore(schema),
		Version:      r.Version,
		Status:       string(status),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}, nil
}

func decodeRecord(schema *model.Schema, row *recordRow) (*model.CanonicalRecord, error) {
	r := &model.CanonicalRecord{
		EntityID:  model.EntityID(row.EntityID),
		Version:   row.Version,
		Status:    model.RecordStatus(row.Status),
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	fields, err := decodeValues(schema, row.Fields)
	if err != nil {
		return nil, eris.Wrapf(err, "store: decode fields of %s", row.EntityID)
	}
	r.Fields = fields
	if err := json.Unmarshal(row.Provenance, &r.Provenance); err != nil {
		return nil, eris.Wrapf(err, "store: decode provenance of %s", row.EntityID)
	}
	if r.Provenance == nil {
		r.Provenance = map[string]model.Provenance{}
	}
	if len(row.Sources) > 0 {
		if err := json.Unmarshal(row.Sources, &r.Sources); err != nil {
			return nil, eris.Wrapf(err, "store: decode sources of %s", row.EntityID)
		}
	}
	return r, nil
}

// decodeValues reads a JSON object of field values and coerces each back
// into its canonical Go type, so stored and freshly merged values compare
// equal. Keys no longer in the schema are kept as decoded.
func decodeValues(schema *model.Schema, data []byte) (map[string]any, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		if _, ok := schema.Field(k); !ok {
			out[k] = v
			continue
		}
		c, err := schema.Coerce(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = c
	}
	return out, nil
}

func encodeDelta(d *model.ChangeDelta) ([]byte, error) {
	b, err := json.Marshal(d.ChangedFields)
	return b, eris.Wrap(err, "store: marshal delta")
}

func decodeDelta(schema *model.Schema, d *model.ChangeDelta, data []byte) error {
	var raw map[string]struct {
		Old any `json:"old"`
		New any `json:"new"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return eris.Wrapf(err, "store: decode delta of %s", d.EntityID)
	}
	d.ChangedFields = make(map[string]model.FieldChange, len(raw))
	for k, fc := range raw {
		d.ChangedFields[k] = model.FieldChange{
			Old: coerceOrKeep(schema, k, fc.Old),
			New: coerceOrKeep(schema, k, fc.New),
		}
	}
	return nil
}

func coerceOrKeep(schema *model.Schema, key string, v any) any {
	if v == nil {
		return nil
	}
	if c, err := schema.Coerce(key, v); err == nil {
		return c
	}
	return v
}

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
