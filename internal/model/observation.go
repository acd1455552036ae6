package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SourceType classifies where an observation came from.
type SourceType string

// Source types.
const (
	SourceRegistry SourceType = "registry"
	SourceWebsite  SourceType = "website"
	SourceNews     SourceType = "news"
)

// RawObservation is one unit of unstructured or semi-structured text fetched
// from a source. It is never mutated after fetch.
type RawObservation struct {
	SourceID   string     `json:"source_id"`
	SourceType SourceType `json:"source_type"`
	URL        string     `json:"url,omitempty"`
	RawText    string     `json:"raw_text"`
	FetchedAt  time.Time  `json:"fetched_at"`
}

// Key identifies an observation by source, location and content hash.
func (o RawObservation) Key() string {
	sum := sha256.Sum256([]byte(o.RawText))
	return o.SourceID + "|" + o.URL + "|" + hex.EncodeToString(sum[:6])
}

// FieldValue is an extracted value with the extractor's confidence in it.
type FieldValue struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// PartialRecord holds the schema-valid fields extracted from one observation.
type PartialRecord struct {
	ObservationKey string                `json:"observation_key"`
	SourceID       string                `json:"source_id"`
	SourceType     SourceType            `json:"source_type"`
	URL            string                `json:"url,omitempty"`
	Fields         map[string]FieldValue `json:"fields"`
	ObservedAt     time.Time             `json:"observed_at"`
}

// String returns the string value of field key, or "".
func (p *PartialRecord) String(key string) string {
	fv, ok := p.Fields[key]
	if !ok {
		return ""
	}
	s, _ := fv.Value.(string)
	return s
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
