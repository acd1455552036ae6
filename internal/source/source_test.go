package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/biotech-recon/internal/fetcher"
	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
	"github.com/sells-group/biotech-recon/pkg/jina"
)

type fakeJina struct {
	pages   map[string]*jina.ReadResponse
	results map[string]*jina.SearchResponse
}

func (f *fakeJina) Read(_ context.Context, u string) (*jina.ReadResponse, error) {
	if p, ok := f.pages[u]; ok {
		return p, nil
	}
	return nil, errors.New("jina: status 503")
}

func (f *fakeJina) Search(_ context.Context, q string) (*jina.SearchResponse, error) {
	if r, ok := f.results[q]; ok {
		return r, nil
	}
	return nil, errors.New("jina: status 503")
}

func awardSheet(t *testing.T) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, r := range [][]string{
		{"Reference Number", "Name Of The Company", "Grant Year", "Category"},
		{"BT/BIG/0101", "ACME BIOTECH PRIVATE LIMITED", "2019", "Medical Devices"},
		{"BT/BIG/0102", "", "2019", ""},
		{"", "Genome Labs", "2020", "Diagnostics"},
	} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "big.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestRegistryAdapter_LocalPath(t *testing.T) {
	path := awardSheet(t)
	a := NewRegistryAdapter(nil)
	a.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }

	obs, err := a.Fetch(context.Background(), Config{ID: "birac-big", Type: model.SourceRegistry, Path: path})
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, "birac-big", obs[0].SourceID)
	assert.Equal(t, model.SourceRegistry, obs[0].SourceType)
	assert.Equal(t, "file://"+path+"#BT/BIG/0101", obs[0].URL)
	assert.Equal(t,
		"registered_name: Acme Biotech Private Limited\nscheme_id: BT/BIG/0101\naward_year: 2019\nsector: Medical Devices\n",
		obs[0].RawText)
	assert.Equal(t, "file://"+path+"#row-3", obs[1].URL)
}

func TestRegistryAdapter_AwardeeColumn(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, r := range [][]string{
		{"Company Name", "Name of the Awardee", "Year"},
		{"Genome Labs LLP", "Dr. S. Iyer", "2021"},
	} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "awardees.xlsx")
	require.NoError(t, f.Save(path))

	obs, err := NewRegistryAdapter(nil).Fetch(context.Background(), Config{ID: "birac-big", Path: path})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t,
		"registered_name: Genome Labs LLP\naward_year: 2021\noriginal_awardee: Dr. S. Iyer\n",
		obs[0].RawText)
}

func TestRegistryAdapter_Download(t *testing.T) {
	data, err := os.ReadFile(awardSheet(t))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data) //nolint:errcheck
	}))
	defer srv.Close()

	hf := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Retry: resilience.Policy{MaxAttempts: 1}})
	a := NewRegistryAdapter(fetcher.NewMulti(hf, nil))
	obs, err := a.Fetch(context.Background(), Config{ID: "birac-big", URL: srv.URL + "/big.xlsx"})
	require.NoError(t, err)
	assert.Len(t, obs, 2)
	assert.Contains(t, obs[0].URL, srv.URL)
}

func TestRegistryAdapter_Unavailable(t *testing.T) {
	a := NewRegistryAdapter(nil)

	_, err := a.Fetch(context.Background(), Config{ID: "x", Path: filepath.Join(t.TempDir(), "missing.xlsx")})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = a.Fetch(context.Background(), Config{ID: "x", URL: "https://example.gov/list.xlsx"})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = a.Fetch(context.Background(), Config{ID: "x"})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestWebAdapter_Fetch(t *testing.T) {
	reader := &fakeJina{pages: map[string]*jina.ReadResponse{
		"https://acmebio.in": {Data: jina.ReadData{Title: "Acme Bio", Content: "Founded in   2016.\n\n\n\nBengaluru"}},
	}}
	a := NewWebAdapter(reader)

	obs, err := a.Fetch(context.Background(), Config{
		ID:      "websites",
		Targets: []string{"acmebio.in", "https://down.in"},
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "https://acmebio.in", obs[0].URL)
	assert.Equal(t, "# Acme Bio\nFounded in 2016.\n\nBengaluru", obs[0].RawText)
	assert.Equal(t, model.SourceWebsite, obs[0].SourceType)
}

func TestWebAdapter_AllTargetsFail(t *testing.T) {
	a := NewWebAdapter(&fakeJina{})
	_, err := a.Fetch(context.Background(), Config{ID: "websites", Targets: []string{"https://down.in"}})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestNewsAdapter_Fetch(t *testing.T) {
	search := &fakeJina{results: map[string]*jina.SearchResponse{
		"acme biotech funding": {Data: []jina.SearchResult{
			{Title: "Acme raises", URL: "https://news.in/1", Content: "Acme raised INR 5 crore."},
			{Title: "dup", URL: "https://news.in/2", Content: "x"},
		}},
		"acme biotech founders": {Data: []jina.SearchResult{
			{Title: "dup", URL: "https://news.in/2", Content: "x"},
		}},
	}}
	a := NewNewsAdapter(search)

	obs, err := a.Fetch(context.Background(), Config{
		ID:      "news",
		Queries: []string{"acme biotech funding", "acme biotech founders", "broken"},
	})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "https://news.in/1", obs[0].URL)
	assert.Contains(t, obs[0].RawText, "INR 5 crore")
}

func TestNewsAdapter_AllQueriesFail(t *testing.T) {
	a := NewNewsAdapter(&fakeJina{})
	_, err := a.Fetch(context.Background(), Config{ID: "news", Queries: []string{"q"}})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestRegistry_Fetch(t *testing.T) {
	reg := Registry{model.SourceWebsite: NewWebAdapter(&fakeJina{pages: map[string]*jina.ReadResponse{
		"https://a.in": {Data: jina.ReadData{Content: "a"}},
		"https://b.in": {Data: jina.ReadData{Content: "b"}},
	}})}

	obs, err := reg.Fetch(context.Background(), Config{
		ID: "w", Type: model.SourceWebsite, Targets: []string{"a.in", "b.in"}, Limit: 1,
	})
	require.NoError(t, err)
	assert.Len(t, obs, 1)

	_, err = reg.Fetch(context.Background(), Config{ID: "n", Type: model.SourceNews})
	assert.Error(t, err)
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a b\n\nc", CleanText("  a \t b \x00\n\n\n\n c  "))
	assert.Equal(t, "", CleanText("\n\n \n"))
}

func TestCleanCompanyName(t *testing.T) {
	assert.Equal(t, "Acme Biotech Pvt Ltd", CleanCompanyName("ACME  BIOTECH PVT LTD"))
	assert.Equal(t, "iGenomix India", CleanCompanyName("iGenomix India"))
}
