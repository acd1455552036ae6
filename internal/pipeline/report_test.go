package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/biotech-recon/internal/model"
)

func TestFormatReport(t *testing.T) {
	r := &model.RunReport{
		RunID:           "run-42",
		StartedAt:       t0,
		FinishedAt:      t0.Add(2500 * time.Millisecond),
		NewEntities:     1,
		UpdatedEntities: 1,
		Writes:          2,
		Observations: []model.ObservationOutcome{
			{Key: "a", State: model.StagePersisted},
			{Key: "b", State: model.StagePersisted},
			{Key: "c", State: model.StageFailed, FailedAt: model.StageExtracted},
		},
		Deltas: []model.ChangeDelta{{
			EntityID:    "e-01",
			VersionFrom: 1,
			VersionTo:   2,
			ChangedFields: map[string]model.FieldChange{
				model.FieldLocation:         {Old: "Pune", New: "Bengaluru"},
				model.FieldFundingAmountINR: {Old: 5e6, New: 1.2e7},
			},
		}},
		Issues: []model.Issue{
			{Kind: model.IssueExtractionTimeout, SourceID: "news", URL: "https://news.example.in/x", Message: "no answer"},
			{Kind: model.IssueExtractionAnomaly, EntityID: "e-01", Field: model.FieldFundingAmountINR, Message: "rejected -500"},
		},
	}

	out := FormatReport(r)

	assert.Contains(t, out, "# Reconciliation Run: run-42")
	assert.Contains(t, out, "Duration: 2.5s")
	assert.NotContains(t, out, "Aborted")
	assert.Contains(t, out, "- Canonical writes: 2\n")
	assert.Contains(t, out, "- failed-at-extracted: 1\n- persisted: 2\n")
	assert.Contains(t, out, "- e-01 v1 → v2: funding_amount_inr, location\n")
	assert.Contains(t, out, "- **extraction_timeout** news https://news.example.in/x: no answer\n")
	assert.Contains(t, out, "- **extraction_anomaly** e-01 [funding_amount_inr]: rejected -500\n")
}

func TestFormatReport_Aborted(t *testing.T) {
	out := FormatReport(&model.RunReport{
		RunID:       "run-7",
		StartedAt:   t0,
		FinishedAt:  t0,
		Aborted:     true,
		AbortReason: "persist: storage outage",
	})

	assert.Contains(t, out, "**Aborted:** persist: storage outage")
	assert.Contains(t, out, "No observations.")
	assert.NotContains(t, out, "## Changes")
	assert.NotContains(t, out, "## Issues")
}
