// Package resolve decides which entity a partial record describes.
//
// Resolution runs in two passes, strongest evidence first. An exact
// identifier match (award reference or CIN) is decisive unless the names
// disagree, in which case the observation is held back as a conflict. Without
// one, a weighted name and domain score picks the best candidate: high scores
// auto-match, middling scores create a new entity flagged for review, and low
// scores create a new entity.
package resolve

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
)

// Config holds the resolver's weights and thresholds.
type Config struct {
	NameWeight        float64 `mapstructure:"name_weight"`
	DomainWeight      float64 `mapstructure:"domain_weight"`
	HighThreshold     float64 `mapstructure:"high_threshold"`
	LowThreshold      float64 `mapstructure:"low_threshold"`
	ConflictNameFloor float64 `mapstructure:"conflict_name_floor"`
}

// DefaultConfig returns the production weights and thresholds.
func DefaultConfig() Config {
	return Config{
		NameWeight:        0.6,
		DomainWeight:      0.4,
		HighThreshold:     0.85,
		LowThreshold:      0.6,
		ConflictNameFloor: 0.6,
	}
}

// Outcome is the kind of resolution decision.
type Outcome int

// Outcomes.
const (
	OutcomeMatched Outcome = iota
	OutcomeNew
	OutcomeConflict
	OutcomeUnidentified
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNew:
		return "new"
	case OutcomeConflict:
		return "conflict"
	case OutcomeUnidentified:
		return "unidentified"
	}
	return "unknown"
}

// Decision is the result of resolving one partial record. Issue is set for
// conflicts, unidentified records and review-band matches.
type Decision struct {
	Outcome  Outcome
	EntityID model.EntityID
	Score    float64
	Issue    *model.Issue
}

// Resolver maps partial records to entity identities against an Index.
type Resolver struct {
	cfg   Config
	newID func() model.EntityID
	now   func() time.Time
}

// New creates a Resolver. Zero weights fall back to the defaults.
func New(cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.NameWeight == 0 && cfg.DomainWeight == 0 {
		cfg.NameWeight, cfg.DomainWeight = def.NameWeight, def.DomainWeight
	}
	if cfg.HighThreshold == 0 {
		cfg.HighThreshold = def.HighThreshold
	}
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = def.LowThreshold
	}
	if cfg.ConflictNameFloor == 0 {
		cfg.ConflictNameFloor = def.ConflictNameFloor
	}
	return &Resolver{
		cfg:   cfg,
		newID: func() model.EntityID { return model.EntityID(uuid.NewString()) },
		now:   time.Now,
	}
}

// WithIDs replaces the generator used for new entity ids.
func (r *Resolver) WithIDs(fn func() model.EntityID) *Resolver {
	r.newID = fn
	return r
}

// Resolve decides the identity of p. Matches and new identities are
// recorded in idx as pending so later partials in the same run see them.
// Conflicts and unidentified records leave idx untouched.
func (r *Resolver) Resolve(idx *Index, p *model.PartialRecord) Decision {
	name := NormalizeName(p.String(model.FieldRegisteredName))
	schemeID := p.String(model.FieldSchemeID)
	cin := p.String(model.FieldCIN)
	domain := model.DomainOf(p.String(model.FieldWebsiteURL))

	if name == "" && schemeID == "" && cin == "" && domain == "" {
		return Decision{
			Outcome: OutcomeUnidentified,
			Issue: &model.Issue{
				Kind:     model.IssueReviewRequired,
				SourceID: p.SourceID,
				URL:      p.URL,
				Message:  "no identifying field (name, scheme id, cin, website) extracted",
			},
		}
	}

	entries := idx.snapshot()

	if d, ok := r.byIdentifier(entries, p, name, schemeID, cin); ok {
		if d.Outcome == OutcomeMatched {
			idx.Absorb(d.EntityID, p)
		}
		return d
	}

	best, score := r.bestFuzzy(entries, name, schemeID, cin, domain)
	if best != nil && score >= r.cfg.HighThreshold {
		idx.Absorb(best.id, p)
		return Decision{Outcome: OutcomeMatched, EntityID: best.id, Score: score}
	}

	d := Decision{Outcome: OutcomeNew, EntityID: r.newID(), Score: score}
	if best != nil && score >= r.cfg.LowThreshold {
		d.Issue = &model.Issue{
			Kind:       model.IssueReviewRequired,
			EntityID:   d.EntityID,
			SourceID:   p.SourceID,
			URL:        p.URL,
			Message:    fmt.Sprintf("possible duplicate of %s (score %.2f); created new entity", best.id, score),
			Candidates: []model.EntityID{best.id},
			Score:      score,
		}
	}
	idx.Reserve(d.EntityID, p, r.now())
	return d
}

// byIdentifier handles exact scheme id or CIN matches. ok is false when no
// entity shares an identifier with p.
func (r *Resolver) byIdentifier(entries []*entry, p *model.PartialRecord, name, schemeID, cin string) (Decision, bool) {
	var hits []*entry
	for _, e := range entries {
		if has(e.schemeIDs, schemeID) || has(e.cins, cin) {
			hits = append(hits, e)
		}
	}
	if len(hits) == 0 {
		return Decision{}, false
	}

	conflict := func(msg string, score float64) (Decision, bool) {
		ids := make([]model.EntityID, len(hits))
		for i, e := range hits {
			ids[i] = e.id
		}
		zap.L().Warn("resolve: identifier conflict",
			zap.String("source_id", p.SourceID),
			zap.String("url", p.URL),
			zap.String("reason", msg),
		)
		return Decision{
			Outcome: OutcomeConflict,
			Score:   score,
			Issue: &model.Issue{
				Kind:       model.IssueResolutionConflict,
				EntityID:   hits[0].id,
				SourceID:   p.SourceID,
				URL:        p.URL,
				Message:    msg,
				Candidates: ids,
				Score:      score,
			},
		}, true
	}

	if len(hits) > 1 {
		return conflict("identifiers match more than one entity", 0)
	}
	e := hits[0]
	if differs(e.schemeIDs, schemeID) {
		return conflict(fmt.Sprintf("cin matches but scheme id %s differs", schemeID), 0)
	}
	if differs(e.cins, cin) {
		return conflict(fmt.Sprintf("scheme id matches but cin %s differs", cin), 0)
	}
	if name != "" && len(e.names) > 0 {
		if sim := bestName(e, name); sim < r.cfg.ConflictNameFloor {
			return conflict(fmt.Sprintf("identifier matches but name similarity %.2f is below %.2f", sim, r.cfg.ConflictNameFloor), sim)
		}
	}
	return Decision{Outcome: OutcomeMatched, EntityID: e.id, Score: 1}, true
}

// bestFuzzy returns the highest scoring entity on name and domain. Entities
// carrying a different identifier than p are never candidates.
func (r *Resolver) bestFuzzy(entries []*entry, name, schemeID, cin, domain string) (*entry, float64) {
	var (
		best      *entry
		bestScore float64
	)
	for _, e := range entries {
		if differs(e.schemeIDs, schemeID) || differs(e.cins, cin) {
			continue
		}
		var sum, weight float64
		if name != "" && len(e.names) > 0 {
			sum += r.cfg.NameWeight * bestName(e, name)
			weight += r.cfg.NameWeight
		}
		if domain != "" && len(e.domains) > 0 {
			if has(e.domains, domain) {
				sum += r.cfg.DomainWeight
			}
			weight += r.cfg.DomainWeight
		}
		if weight == 0 {
			continue
		}
		score := sum / weight
		if best == nil || score > bestScore || (score == bestScore && preferred(e, best)) {
			best, bestScore = e, score
		}
	}
	return best, bestScore
}

// preferred orders tied candidates: more contributing sources, then older,
// then lower id.
func preferred(a, b *entry) bool {
	if len(a.sources) != len(b.sources) {
		return len(a.sources) > len(b.sources)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

func bestName(e *entry, name string) float64 {
	var best float64
	for n := range e.names {
		if s := NameSimilarity(n, name); s > best {
			best = s
		}
	}
	return best
}

func has(set map[string]struct{}, v string) bool {
	if v == "" {
		return false
	}
	_, ok := set[v]
	return ok
}

// differs reports whether set holds a value and v is set but not among them.
func differs(set map[string]struct{}, v string) bool {
	return v != "" && len(set) > 0 && !has(set, v)
}
