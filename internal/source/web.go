package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/pkg/jina"
)

// WebAdapter reads company pages through the reader API.
type WebAdapter struct {
	reader jina.Client
	now    func() time.Time
}

// NewWebAdapter creates a WebAdapter.
func NewWebAdapter(reader jina.Client) *WebAdapter {
	return &WebAdapter{reader: reader, now: time.Now}
}

// Fetch reads every target. Individual page failures are logged and
// skipped; the source is unavailable only when every target fails.
func (a *WebAdapter) Fetch(ctx context.Context, cfg Config) ([]model.RawObservation, error) {
	var (
		out     []model.RawObservation
		lastErr error
	)
	for _, target := range cfg.Targets {
		if err := ctx.Err(); err != nil {
			return out, Unavailable(cfg.ID, err)
		}
		u, err := model.NormalizeURL(target)
		if err != nil {
			zap.L().Warn("web: bad target", zap.String("source_id", cfg.ID), zap.String("target", target))
			continue
		}

		resp, err := a.reader.Read(ctx, u)
		if err != nil {
			lastErr = err
			zap.L().Warn("web: read failed", zap.String("source_id", cfg.ID), zap.String("url", u), zap.Error(err))
			continue
		}
		text := CleanText(resp.Data.Content)
		if text == "" {
			continue
		}
		if resp.Data.Title != "" {
			text = "# " + strings.TrimSpace(resp.Data.Title) + "\n" + text
		}
		out = append(out, model.RawObservation{
			SourceID:   cfg.ID,
			SourceType: model.SourceWebsite,
			URL:        u,
			RawText:    text,
			FetchedAt:  a.now().UTC(),
		})
	}
	if len(out) == 0 && lastErr != nil {
		return nil, Unavailable(cfg.ID, lastErr)
	}
	return out, nil
}

// NewsAdapter runs search queries and emits one observation per article.
type NewsAdapter struct {
	search jina.Client
	now    func() time.Time
}

// NewNewsAdapter creates a NewsAdapter.
func NewNewsAdapter(search jina.Client) *NewsAdapter {
	return &NewsAdapter{search: search, now: time.Now}
}

// Fetch runs each query, dropping articles already seen under an earlier
// query.
func (a *NewsAdapter) Fetch(ctx context.Context, cfg Config) ([]model.RawObservation, error) {
	seen := make(map[string]bool)
	var (
		out     []model.RawObservation
		lastErr error
		okCount int
	)
	for _, q := range cfg.Queries {
		if err := ctx.Err(); err != nil {
			return out, Unavailable(cfg.ID, err)
		}
		resp, err := a.search.Search(ctx, q)
		if err != nil {
			lastErr = err
			zap.L().Warn("news: search failed", zap.String("source_id", cfg.ID), zap.String("query", q), zap.Error(err))
			continue
		}
		okCount++
		for _, r := range resp.Data {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			text := CleanText(fmt.Sprintf("# %s\n%s\n%s", r.Title, r.Description, r.Content))
			if text == "" {
				continue
			}
			out = append(out, model.RawObservation{
				SourceID:   cfg.ID,
				SourceType: model.SourceNews,
				URL:        r.URL,
				RawText:    text,
				FetchedAt:  a.now().UTC(),
			})
		}
	}
	if okCount == 0 && lastErr != nil {
		return nil, Unavailable(cfg.ID, lastErr)
	}
	return out, nil
}
