package source

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/biotech-recon/internal/fetcher"
	"github.com/sells-group/biotech-recon/internal/model"
)

// registryColumns maps award-list header names onto schema keys.
var registryColumns = map[string]string{
	"reference number":    model.FieldSchemeID,
	"reference no":        model.FieldSchemeID,
	"name of the company": model.FieldRegisteredName,
	"company name":        model.FieldRegisteredName,
	"grant year":          model.FieldAwardYear,
	"year":                model.FieldAwardYear,
	"category":            model.FieldSector,
	"sector":              model.FieldSector,
	"focus area":          model.FieldSector,
	"website":             model.FieldWebsiteURL,
	"location":            model.FieldLocation,
	"city":                model.FieldLocation,
	"cin":                 model.FieldCIN,
	"awardee":             model.FieldOriginalAwardee,
	"name of the awardee": model.FieldOriginalAwardee,
}

// RegistryAdapter reads the government award spreadsheet from a local path
// or downloads it first.
type RegistryAdapter struct {
	fetcher fetcher.Fetcher
	now     func() time.Time
}

// NewRegistryAdapter creates a RegistryAdapter. f may be nil when only
// local paths are configured.
func NewRegistryAdapter(f fetcher.Fetcher) *RegistryAdapter {
	return &RegistryAdapter{fetcher: f, now: time.Now}
}

// Fetch renders each spreadsheet row as a "key: value" document.
func (a *RegistryAdapter) Fetch(ctx context.Context, cfg Config) ([]model.RawObservation, error) {
	path := cfg.Path
	location := "file://" + cfg.Path
	if cfg.URL != "" {
		if a.fetcher == nil {
			return nil, Unavailable(cfg.ID, fmt.Errorf("no fetcher for %s", cfg.URL))
		}
		tmp, err := os.CreateTemp("", "registry-*.xlsx")
		if err != nil {
			return nil, Unavailable(cfg.ID, err)
		}
		_ = tmp.Close()
		defer os.Remove(tmp.Name()) //nolint:errcheck

		if _, err := fetcher.DownloadToFile(ctx, a.fetcher, cfg.URL, tmp.Name()); err != nil {
			return nil, Unavailable(cfg.ID, err)
		}
		path = tmp.Name()
		location = cfg.URL
	}
	if path == "" {
		return nil, Unavailable(cfg.ID, fmt.Errorf("neither path nor url configured"))
	}

	tbl, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, Unavailable(cfg.ID, err)
	}

	cols := make(map[string]int)
	for i, h := range tbl.Header {
		if key, ok := registryColumns[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, seen := cols[key]; !seen {
				cols[key] = i
			}
		}
	}
	if _, ok := cols[model.FieldRegisteredName]; !ok {
		return nil, Unavailable(cfg.ID, fmt.Errorf("no company name column in %v", tbl.Header))
	}

	keys := model.DefaultSchema().Keys()
	fetchedAt := a.now().UTC()
	var out []model.RawObservation
	for i, row := range tbl.Rows {
		name := fetcher.Cell(row, cols[model.FieldRegisteredName])
		if name == "" {
			continue
		}

		var b strings.Builder
		for _, key := range keys {
			col, ok := cols[key]
			if !ok {
				continue
			}
			v := fetcher.Cell(row, col)
			if key == model.FieldRegisteredName {
				v = CleanCompanyName(v)
			}
			if v != "" {
				fmt.Fprintf(&b, "%s: %s\n", key, v)
			}
		}

		anchor := fetcher.Cell(row, colOr(cols, model.FieldSchemeID))
		if anchor == "" {
			anchor = fmt.Sprintf("row-%d", i+1)
		}
		out = append(out, model.RawObservation{
			SourceID:   cfg.ID,
			SourceType: model.SourceRegistry,
			URL:        location + "#" + anchor,
			RawText:    b.String(),
			FetchedAt:  fetchedAt,
		})
	}

	zap.L().Info("registry: fetched",
		zap.String("source_id", cfg.ID),
		zap.Int("rows", len(tbl.Rows)),
		zap.Int("observations", len(out)),
	)
	return out, nil
}

func colOr(cols map[string]int, key string) int {
	if c, ok := cols[key]; ok {
		return c
	}
	return -1
}

// CleanCompanyName title-cases shouted names ("ACME BIOTECH PVT LTD") and
// leaves mixed-case names alone.
func CleanCompanyName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name != strings.ToUpper(name) {
		return name
	}
	return cases.Title(language.English).String(strings.ToLower(name))
}
