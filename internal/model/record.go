package model

import (
	"maps"
	"slices"
	"time"
)

// EntityID is the stable identity of a real-world company. Once assigned it
// is never reused for a different company.
type EntityID string

// RecordStatus marks whether a canonical record is live.
type RecordStatus string

// Record statuses. Records are soft-deprecated, never deleted.
const (
	StatusActive     RecordStatus = "active"
	StatusDeprecated RecordStatus = "deprecated"
)

// Provenance records which observation supplied a canonical field value.
type Provenance struct {
	SourceID   string    `json:"source_id"`
	ObservedAt time.Time `json:"observed_at"`
	Confidence float64   `json:"confidence"`
}

// CanonicalRecord is the single authoritative view of an entity.
type CanonicalRecord struct {
	EntityID   EntityID              `json:"entity_id"`
	Fields     map[string]any        `json:"fields"`
	Provenance map[string]Provenance `json:"provenance"`
	Sources    []string              `json:"sources"`
	Version    int                   `json:"version"`
	Status     RecordStatus          `json:"status"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Clone returns a deep copy. []string values are copied; other field
// values are immutable scalars.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if list, ok := v.([]string); ok {
			v = slices.Clone(list)
		}
		c.Fields[k] = v
	}
	c.Provenance = maps.Clone(r.Provenance)
	c.Sources = slices.Clone(r.Sources)
	return &c
}

func (r *CanonicalRecord) str(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Name returns the registered name.
func (r *CanonicalRecord) Name() string { return r.str(FieldRegisteredName) }

// SchemeID returns the government award reference.
func (r *CanonicalRecord) SchemeID() string { return r.str(FieldSchemeID) }

// CIN returns the corporate identification number.
func (r *CanonicalRecord) CIN() string { return r.str(FieldCIN) }

// Domain returns the website domain.
func (r *CanonicalRecord) Domain() string { return DomainOf(r.str(FieldWebsiteURL)) }

// QualityScore is the fraction of the schema's required fields that are set.
func (r *CanonicalRecord) QualityScore(s *Schema) float64 {
	required := s.Required()
	if len(required) == 0 {
		return 1
	}
	present := 0
	for _, key := range required {
		if _, ok := r.Fields[key]; ok {
			present++
		}
	}
	return float64(present) / float64(len(required))
}

// CandidateKeys are the similarity keys used to prefetch existing records
// that an incoming partial record may match.
type CandidateKeys struct {
	SchemeIDs []string
	CINs      []string
	Domains   []string
	// NameTokens are the first tokens of normalized names.
	NameTokens []string
}

// Empty reports whether no key is set.
func (k CandidateKeys) Empty() bool {
	return len(k.SchemeIDs) == 0 && len(k.CINs) == 0 && len(k.Domains) == 0 && len(k.NameTokens) == 0
}
