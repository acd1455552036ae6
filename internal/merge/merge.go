// Package merge combines the partial records resolved to one entity with its
// prior canonical record. It performs no I/O.
package merge

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	gocmp "github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
)

// DefaultMinConfidence is the lowest confidence a value needs to be
// considered for a canonical field.
const DefaultMinConfidence = 0.5

// Engine merges field values under a schema.
type Engine struct {
	schema  *model.Schema
	minConf float64
}

// New creates an Engine. A non-positive minConf uses DefaultMinConfidence.
func New(schema *model.Schema, minConf float64) *Engine {
	if minConf <= 0 {
		minConf = DefaultMinConfidence
	}
	return &Engine{schema: schema, minConf: minConf}
}

// MinConfidence returns the acceptance threshold.
func (e *Engine) MinConfidence() float64 { return e.minConf }

type candidate struct {
	value      any
	confidence float64
	observedAt time.Time
	sourceID   string
	url        string
	prior      bool
}

// before orders candidates: higher confidence, newer observation, prior
// value, then source id and url.
func before(a, b candidate) int {
	if c := cmp.Compare(b.confidence, a.confidence); c != 0 {
		return c
	}
	if c := b.observedAt.Compare(a.observedAt); c != 0 {
		return c
	}
	if a.prior != b.prior {
		if a.prior {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.sourceID, b.sourceID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.url, b.url); c != 0 {
		return c
	}
	return cmp.Compare(model.FormatValue(a.value), model.FormatValue(b.value))
}

// Merge builds the next canonical record for entityID. For each schema
// field the candidates are every partial value at or above the minimum
// confidence plus the prior canonical value at its recorded provenance. The
// first candidate in order that passes schema plausibility checks wins;
// rejected candidates are reported as extraction anomalies. Version and
// timestamps are carried from prior; the change detector advances them.
func (e *Engine) Merge(entityID model.EntityID, partials []*model.PartialRecord, prior *model.CanonicalRecord, now time.Time) (model.CanonicalRecord, []model.Issue) {
	next := model.CanonicalRecord{
		EntityID:   entityID,
		Fields:     map[string]any{},
		Provenance: map[string]model.Provenance{},
		Status:     model.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sources := map[string]struct{}{}
	if prior != nil {
		next.Version = prior.Version
		next.Status = prior.Status
		next.CreatedAt = prior.CreatedAt
		next.UpdatedAt = prior.UpdatedAt
		for _, s := range prior.Sources {
			sources[s] = struct{}{}
		}
	}

	var issues []model.Issue
	for _, key := range e.schema.Keys() {
		cands := e.candidates(key, partials, prior)
		if len(cands) == 0 {
			continue
		}
		slices.SortStableFunc(cands, before)

		for _, c := range cands {
			if err := e.schema.Check(key, c.value); err != nil {
				zap.L().Debug("merge: candidate rejected",
					zap.String("entity_id", string(entityID)),
					zap.String("field", key),
					zap.String("source_id", c.sourceID),
					zap.Error(err),
				)
				issues = append(issues, model.Issue{
					Kind:     model.IssueExtractionAnomaly,
					EntityID: entityID,
					SourceID: c.sourceID,
					URL:      c.url,
					Field:    key,
					Message:  fmt.Sprintf("rejected %s: %v", model.FormatValue(c.value), err),
				})
				continue
			}
			next.Fields[key] = c.value
			if c.prior {
				next.Provenance[key] = prior.Provenance[key]
			} else {
				next.Provenance[key] = model.Provenance{
					SourceID:   c.sourceID,
					ObservedAt: c.observedAt,
					Confidence: c.confidence,
				}
			}
			// Every source that reported the accepted value corroborates it.
			for _, other := range cands {
				if !other.prior && gocmp.Equal(other.value, c.value) {
					sources[other.sourceID] = struct{}{}
				}
			}
			break
		}
	}

	next.Sources = make([]string, 0, len(sources))
	for s := range sources {
		next.Sources = append(next.Sources, s)
	}
	slices.Sort(next.Sources)
	return next, issues
}

func (e *Engine) candidates(key string, partials []*model.PartialRecord, prior *model.CanonicalRecord) []candidate {
	var out []candidate
	for _, p := range partials {
		fv, ok := p.Fields[key]
		if !ok || fv.Value == nil || fv.Confidence < e.minConf {
			continue
		}
		out = append(out, candidate{
			value:      fv.Value,
			confidence: fv.Confidence,
			observedAt: p.ObservedAt,
			sourceID:   p.SourceID,
			url:        p.URL,
		})
	}
	if prior != nil {
		if v, ok := prior.Fields[key]; ok && v != nil {
			prov := prior.Provenance[key]
			out = append(out, candidate{
				value:      v,
				confidence: prov.Confidence,
				observedAt: prov.ObservedAt,
				sourceID:   prov.SourceID,
				prior:      true,
			})
		}
	}
	return out
}
