package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), model.DefaultSchema())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var (
	t1 = time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	t2 = time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
)

func acme() model.CanonicalRecord {
	return model.CanonicalRecord{
		EntityID: "e-acme",
		Fields: map[string]any{
			model.FieldRegisteredName:   "Acme Biotech Pvt Ltd",
			model.FieldSchemeID:         "BT/BIG/0101",
			model.FieldWebsiteURL:       "https://www.acmebio.in",
			model.FieldAwardYear:        int64(2019),
			model.FieldFundingAmountINR: 5e7,
			model.FieldFounders:         []string{"A. Rao", "S. Iyer"},
			model.FieldLocation:         "Bengaluru",
		},
		Provenance: map[string]model.Provenance{
			model.FieldRegisteredName: {SourceID: "birac", ObservedAt: t1, Confidence: 1},
		},
		Sources:   []string{"birac", "news"},
		Version:   1,
		Status:    model.StatusActive,
		CreatedAt: t1,
		UpdatedAt: t1,
	}
}

func insertDelta(r model.CanonicalRecord) model.ChangeDelta {
	d := model.ChangeDelta{EntityID: r.EntityID, ChangedFields: map[string]model.FieldChange{}, VersionTo: 1, RunID: "run-1", CreatedAt: t1}
	for k, v := range r.Fields {
		d.ChangedFields[k] = model.FieldChange{New: v}
	}
	return d
}

func TestSQLite_UpsertAndGet_RoundTripsTypes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := acme()

	require.NoError(t, st.UpsertCanonical(ctx, rec, insertDelta(rec)))

	got, err := st.GetCanonical(ctx, rec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
	assert.IsType(t, int64(0), got.Fields[model.FieldAwardYear])
	assert.IsType(t, []string{}, got.Fields[model.FieldFounders])
}

func TestSQLite_GetCanonical_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetCanonical(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpsertCanonical_VersionGuard(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := acme()
	require.NoError(t, st.UpsertCanonical(ctx, rec, insertDelta(rec)))

	// Replaying the committed insert is a no-op.
	require.NoError(t, st.UpsertCanonical(ctx, rec, insertDelta(rec)))

	v2 := rec
	v2.Fields = map[string]any{model.FieldRegisteredName: "Acme Biotech Pvt Ltd", model.FieldFundingAmountINR: 1.2e8}
	v2.Version = 2
	v2.UpdatedAt = t2
	delta := model.ChangeDelta{
		EntityID:      rec.EntityID,
		ChangedFields: map[string]model.FieldChange{model.FieldFundingAmountINR: {Old: 5e7, New: 1.2e8}},
		VersionFrom:   1,
		VersionTo:     2,
		RunID:         "run-2",
		CreatedAt:     t2,
	}
	require.NoError(t, st.UpsertCanonical(ctx, v2, delta))
	require.NoError(t, st.UpsertCanonical(ctx, v2, delta), "retry after commit is idempotent")

	v3 := v2
	v3.Version = 3
	err := st.UpsertCanonical(ctx, v3, model.ChangeDelta{
		EntityID:      rec.EntityID,
		ChangedFields: map[string]model.FieldChange{model.FieldLocation: {New: "Pune"}},
		VersionFrom:   1,
		VersionTo:     3,
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, resilience.IsPermanent(err))

	deltas, err := st.ListDeltas(ctx, rec.EntityID)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, 1, deltas[0].VersionTo)
	assert.Equal(t, 2, deltas[1].VersionTo)
	assert.Equal(t, model.FieldChange{Old: 5e7, New: 1.2e8}, deltas[1].ChangedFields[model.FieldFundingAmountINR])
	assert.Equal(t, int64(2019), deltas[0].ChangedFields[model.FieldAwardYear].New)
	assert.Equal(t, "run-2", deltas[1].RunID)
	assert.Equal(t, t2, deltas[1].CreatedAt)

	got, err := st.GetCanonical(ctx, rec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, t1, got.CreatedAt)
	assert.Equal(t, t2, got.UpdatedAt)
}

func TestSQLite_UpsertCanonical_EmptyDeltaWritesNothing(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertCanonical(ctx, acme(), model.ChangeDelta{EntityID: "e-acme"}))

	_, err := st.GetCanonical(ctx, "e-acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_FindCandidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := acme()
	require.NoError(t, st.UpsertCanonical(ctx, a, insertDelta(a)))
	g := model.CanonicalRecord{
		EntityID:  "e-genome",
		Fields:    map[string]any{model.FieldRegisteredName: "Genome Labs LLP", model.FieldCIN: "U73100KA2016PTC012345"},
		Version:   1,
		CreatedAt: t1,
		UpdatedAt: t1,
	}
	require.NoError(t, st.UpsertCanonical(ctx, g, insertDelta(g)))

	tests := []struct {
		name string
		keys model.CandidateKeys
		want []model.EntityID
	}{
		{"scheme id", model.CandidateKeys{SchemeIDs: []string{"BT/BIG/0101"}}, []model.EntityID{"e-acme"}},
		{"cin", model.CandidateKeys{CINs: []string{"U73100KA2016PTC012345"}}, []model.EntityID{"e-genome"}},
		{"domain", model.CandidateKeys{Domains: []string{"acmebio.in"}}, []model.EntityID{"e-acme"}},
		{"name token", model.CandidateKeys{NameTokens: []string{"GENOME", "ACME"}}, []model.EntityID{"e-acme", "e-genome"}},
		{"no match", model.CandidateKeys{NameTokens: []string{"ZEPHYR"}}, nil},
		{"empty", model.CandidateKeys{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := st.FindCandidates(ctx, tt.keys)
			require.NoError(t, err)
			var ids []model.EntityID
			for _, r := range recs {
				ids = append(ids, r.EntityID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSQLite_ListCanonical(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []model.EntityID{"c", "a", "b"} {
		r := model.CanonicalRecord{EntityID: id, Fields: map[string]any{model.FieldLocation: "Pune"}, Version: 1, CreatedAt: t1, UpdatedAt: t1}
		require.NoError(t, st.UpsertCanonical(ctx, r, insertDelta(r)))
	}

	recs, err := st.ListCanonical(ctx, ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.EntityID("b"), recs[0].EntityID)
	assert.Equal(t, model.EntityID("c"), recs[1].EntityID)

	recs, err = st.ListCanonical(ctx, ListFilter{Status: model.StatusDeprecated})
	require.NoError(t, err)
	assert.Empty(t, recs)

	all, err := st.ListDeltas(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLite_ExtractionLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordExtraction(ctx, model.ExtractionLogEntry{
		RunID: "run-1", SourceID: "news", URL: "https://news.in/1", Status: model.ExtractionSuccess, FieldsFound: 4, CreatedAt: t1,
	}))
	require.NoError(t, st.RecordExtraction(ctx, model.ExtractionLogEntry{
		RunID: "run-1", SourceID: "news", URL: "https://news.in/2", Status: model.ExtractionFailed, Error: "timeout", CreatedAt: t2,
	}))
	require.NoError(t, st.RecordExtraction(ctx, model.ExtractionLogEntry{RunID: "run-2", SourceID: "x", Status: model.ExtractionPartial, CreatedAt: t2}))

	got, err := st.ListExtractions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ExtractionSuccess, got[0].Status)
	assert.Equal(t, 4, got[0].FieldsFound)
	assert.Equal(t, "timeout", got[1].Error)
	assert.Equal(t, t2, got[1].CreatedAt)
}

func TestSQLite_RunReports(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetRunReport(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	rep := &model.RunReport{RunID: "run-1", StartedAt: t1, FinishedAt: t2, NewEntities: 2, Writes: 2}
	require.NoError(t, st.SaveRunReport(ctx, rep))
	rep.Aborted = true
	rep.AbortReason = "storage outage"
	require.NoError(t, st.SaveRunReport(ctx, rep))

	got, err := st.GetRunReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.NewEntities)
	assert.True(t, got.Aborted)
	assert.Equal(t, "storage outage", got.AbortReason)
}

func TestSQLite_UpsertCanonical_DuplicateIdentifier(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := acme()
	require.NoError(t, st.UpsertCanonical(ctx, rec, insertDelta(rec)))
	// Re-running the migration keeps the unique indexes in place.
	require.NoError(t, st.Migrate(ctx))

	dup := *rec.Clone()
	dup.EntityID = "e-acme-2"
	dup.Fields[model.FieldRegisteredName] = "Acme Bio"
	err := st.UpsertCanonical(ctx, dup, insertDelta(dup))
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)
	assert.True(t, resilience.IsPermanent(err))

	recs, err := st.ListCanonical(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.EntityID, recs[0].EntityID)
}

func TestSQLite_UpsertCanonical_EmptyIdentifiersMayRepeat(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []model.EntityID{"e-1", "e-2"} {
		rec := acme()
		rec.EntityID = id
		delete(rec.Fields, model.FieldSchemeID)
		require.NoError(t, st.UpsertCanonical(ctx, rec, insertDelta(rec)))
	}

	recs, err := st.ListCanonical(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
