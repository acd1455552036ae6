// Package source fetches raw observations from configured sources.
package source

import (
	"context"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/model"
)

// ErrSourceUnavailable marks a retryable, source-scoped fetch failure.
var ErrSourceUnavailable = eris.New("source: unavailable")

// Config describes one configured source.
type Config struct {
	ID   string           `yaml:"id" mapstructure:"id"`
	Type model.SourceType `yaml:"type" mapstructure:"type"`
	// Path is a local spreadsheet for registry sources.
	Path string `yaml:"path" mapstructure:"path"`
	// URL is a remote spreadsheet (http, https or ftp) for registry sources.
	URL string `yaml:"url" mapstructure:"url"`
	// Targets are page URLs for website sources.
	Targets []string `yaml:"targets" mapstructure:"targets"`
	// Queries are search queries for news sources.
	Queries []string `yaml:"queries" mapstructure:"queries"`
	// Authoritative sources keep their last-known values when extraction
	// fails.
	Authoritative bool `yaml:"authoritative" mapstructure:"authoritative"`
	// Confidence is used by structured extraction. Zero means 1.0.
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	// Limit caps observations per fetch. Zero means no cap.
	Limit int `yaml:"limit" mapstructure:"limit"`
}

// Adapter fetches raw observations for one source type.
type Adapter interface {
	Fetch(ctx context.Context, cfg Config) ([]model.RawObservation, error)
}

// Unavailable wraps err as ErrSourceUnavailable for source id.
func Unavailable(id string, err error) error {
	return eris.Wrapf(ErrSourceUnavailable, "%s: %v", id, err)
}

// Registry maps source types to adapters.
type Registry map[model.SourceType]Adapter

// Fetch runs the adapter registered for cfg.Type.
func (r Registry) Fetch(ctx context.Context, cfg Config) ([]model.RawObservation, error) {
	a, ok := r[cfg.Type]
	if !ok {
		return nil, eris.Errorf("source: no adapter for type %q (source %s)", cfg.Type, cfg.ID)
	}
	obs, err := a.Fetch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Limit > 0 && len(obs) > cfg.Limit {
		obs = obs[:cfg.Limit]
	}
	return obs, nil
}

// CleanText collapses runs of blank lines and spaces and drops control
// characters other than newlines and tabs.
func CleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
