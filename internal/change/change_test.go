package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/biotech-recon/internal/model"
)

var (
	created = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now     = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func TestDetect_NoPrior(t *testing.T) {
	next := model.CanonicalRecord{
		EntityID: "e1",
		Fields: map[string]any{
			model.FieldRegisteredName: "Acme Biotech",
			model.FieldAwardYear:      int64(2019),
		},
	}
	rec, delta := Detect(nil, next, "run-1", now)

	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, now, rec.CreatedAt)
	assert.Equal(t, now, rec.UpdatedAt)
	assert.Equal(t, 0, delta.VersionFrom)
	assert.Equal(t, 1, delta.VersionTo)
	assert.Equal(t, "run-1", delta.RunID)
	assert.Equal(t, []string{model.FieldAwardYear, model.FieldRegisteredName}, delta.Fields())
	assert.Nil(t, delta.ChangedFields[model.FieldAwardYear].Old)
	assert.Equal(t, int64(2019), delta.ChangedFields[model.FieldAwardYear].New)
}

func TestDetect_NoPriorNoFields(t *testing.T) {
	rec, delta := Detect(nil, model.CanonicalRecord{EntityID: "e1", Fields: map[string]any{}}, "run-1", now)
	assert.True(t, delta.IsEmpty())
	assert.Equal(t, 0, rec.Version)
}

func prior() *model.CanonicalRecord {
	return &model.CanonicalRecord{
		EntityID: "e1",
		Fields: map[string]any{
			model.FieldRegisteredName:   "Acme Biotech",
			model.FieldFounders:         []string{"A. Rao"},
			model.FieldFundingAmountINR: 5e7,
		},
		Provenance: map[string]model.Provenance{},
		Version:    4,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestDetect_Unchanged(t *testing.T) {
	p := prior()
	next := *p.Clone()
	next.Provenance = map[string]model.Provenance{model.FieldRegisteredName: {SourceID: "other", Confidence: 1}}
	next.Sources = []string{"other"}

	rec, delta := Detect(p, next, "run-2", now)
	assert.True(t, delta.IsEmpty())
	assert.Equal(t, 4, delta.VersionFrom)
	assert.Equal(t, 4, delta.VersionTo)
	assert.Equal(t, *p, rec, "provenance-only differences keep the stored record")
}

func TestDetect_Changed(t *testing.T) {
	p := prior()
	next := *p.Clone()
	next.Fields[model.FieldFundingAmountINR] = 1.2e8
	next.Fields[model.FieldLocation] = "Pune"
	delete(next.Fields, model.FieldFounders)

	rec, delta := Detect(p, next, "run-3", now)
	assert.Equal(t, 5, rec.Version)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, now, rec.UpdatedAt)
	assert.Equal(t, 4, delta.VersionFrom)
	assert.Equal(t, 5, delta.VersionTo)
	assert.Equal(t, []string{model.FieldFounders, model.FieldFundingAmountINR, model.FieldLocation}, delta.Fields())
	assert.Equal(t, model.FieldChange{Old: 5e7, New: 1.2e8}, delta.ChangedFields[model.FieldFundingAmountINR])
	assert.Equal(t, model.FieldChange{Old: []string{"A. Rao"}}, delta.ChangedFields[model.FieldFounders])
	assert.Equal(t, 4, p.Version, "prior untouched")
}

func TestDetect_ListOrderMatters(t *testing.T) {
	p := prior()
	next := *p.Clone()
	next.Fields[model.FieldFounders] = []string{"A. Rao", "S. Iyer"}

	rec, delta := Detect(p, next, "run-4", now)
	assert.Equal(t, 5, rec.Version)
	assert.Equal(t, []string{model.FieldFounders}, delta.Fields())
}
