package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/source"
	"github.com/sells-group/biotech-recon/internal/store"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu    sync.Mutex
	runs  map[string][]source.Config
	store store.Store
	// block, when set, holds every run until closed.
	block chan struct{}
}

func (f *fakeRunner) RunSourcesWithID(ctx context.Context, runID string, sources []source.Config) *model.RunReport {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.runs[runID] = sources
	f.mu.Unlock()
	r := &model.RunReport{RunID: runID, StartedAt: t0, FinishedAt: t0}
	_ = f.store.SaveRunReport(ctx, r)
	return r
}

func newTestAPI(t *testing.T) (*api, *fakeRunner) {
	t.Helper()
	schema := model.DefaultSchema()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"), schema)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	runner := &fakeRunner{runs: map[string][]source.Config{}, store: st}
	return &api{
		ctx:    context.Background(),
		store:  st,
		schema: schema,
		runner: runner,
		sources: []source.Config{
			{ID: "birac", Type: model.SourceRegistry},
			{ID: "news", Type: model.SourceNews},
		},
	}, runner
}

func serve(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	a, _ := newTestAPI(t)

	rr := serve(buildRouter(a), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestRouter_GetEntity(t *testing.T) {
	a, _ := newTestAPI(t)
	ctx := context.Background()
	rec := model.CanonicalRecord{
		EntityID:   "e-01",
		Fields:     map[string]any{model.FieldRegisteredName: "Acme Bio", model.FieldLocation: "Bengaluru"},
		Provenance: map[string]model.Provenance{model.FieldRegisteredName: {SourceID: "birac", ObservedAt: t0, Confidence: 1}},
		Sources:    []string{"birac"},
		Version:    1,
		Status:     model.StatusActive,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, a.store.UpsertCanonical(ctx, rec, model.ChangeDelta{
		EntityID:      "e-01",
		ChangedFields: map[string]model.FieldChange{model.FieldRegisteredName: {New: "Acme Bio"}},
		VersionTo:     1,
		CreatedAt:     t0,
	}))

	rr := serve(buildRouter(a), http.MethodGet, "/entities/e-01", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var view entityView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, model.EntityID("e-01"), view.Record.EntityID)
	assert.Equal(t, "Acme Bio", view.Record.Fields[model.FieldRegisteredName])
	assert.InDelta(t, 1.0/6.0, view.Quality, 0.001)
	require.Len(t, view.History, 1)
	assert.Equal(t, 1, view.History[0].VersionTo)
}

func TestRouter_NotFound(t *testing.T) {
	a, _ := newTestAPI(t)
	h := buildRouter(a)

	rr := serve(h, http.MethodGet, "/entities/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "entity not found")

	rr = serve(h, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "run not found")
}

func TestRouter_StartRun(t *testing.T) {
	a, runner := newTestAPI(t)
	h := buildRouter(a)

	body, _ := json.Marshal(map[string]any{"sources": []string{"news"}, "limit": 3})
	rr := serve(h, http.MethodPost, "/runs", body)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	runID := resp["run_id"]
	require.NotEmpty(t, runID)
	assert.Equal(t, "/runs/"+runID, rr.Header().Get("Location"))

	a.wg.Wait()
	assert.Equal(t, []source.Config{{ID: "news", Type: model.SourceNews, Limit: 3}}, runner.runs[runID])

	rr = serve(h, http.MethodGet, "/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var report model.RunReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, runID, report.RunID)
}

func TestRouter_StartRunAllSourcesWithoutBody(t *testing.T) {
	a, runner := newTestAPI(t)

	rr := serve(buildRouter(a), http.MethodPost, "/runs", nil)

	require.Equal(t, http.StatusAccepted, rr.Code)
	a.wg.Wait()
	require.Len(t, runner.runs, 1)
	for _, sources := range runner.runs {
		assert.Len(t, sources, 2)
	}
}

func TestRouter_StartRunRejectsBadInput(t *testing.T) {
	a, runner := newTestAPI(t)
	h := buildRouter(a)

	rr := serve(h, http.MethodPost, "/runs", []byte(`{"sources": "news"`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")

	rr = serve(h, http.MethodPost, "/runs", []byte(`{"sources": ["mca"]}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown source")

	assert.Empty(t, runner.runs)
}

func TestRouter_Metrics(t *testing.T) {
	a, _ := newTestAPI(t)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "biotech_recon_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	a.gatherer = reg

	rr := serve(buildRouter(a), http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "biotech_recon_test_total 1")
}

func TestRouter_CORSPreflight(t *testing.T) {
	a, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://dashboard.example.in")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()

	buildRouter(a).ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_StartRunWithoutPipeline(t *testing.T) {
	a, _ := newTestAPI(t)
	a.runner = nil

	rr := serve(buildRouter(a), http.MethodPost, "/runs", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "pipeline not configured")
}

func TestRouter_StartRunRejectsOverlappingRun(t *testing.T) {
	a, runner := newTestAPI(t)
	runner.block = make(chan struct{})
	h := buildRouter(a)

	first := serve(h, http.MethodPost, "/runs", nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := serve(h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), "already in progress")

	close(runner.block)
	a.wg.Wait()

	third := serve(h, http.MethodPost, "/runs", nil)
	assert.Equal(t, http.StatusAccepted, third.Code)
	a.wg.Wait()
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.runs, 2)
}
