// Package extract turns raw observations into schema-valid partial records.
package extract

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/model"
)

// Extraction errors. Both are scoped to a single observation.
var (
	ErrExtractionTimeout   = eris.New("extract: timed out")
	ErrExtractionMalformed = eris.New("extract: malformed output")
)

// RawField is a value as returned by a capability, before schema coercion.
type RawField struct {
	Value      any
	Confidence float64
}

// Capability extracts candidate field values from text.
type Capability interface {
	Extract(ctx context.Context, text string, schema *model.Schema) (map[string]RawField, error)
}

// Router selects a capability per source type, falling back to Default.
type Router struct {
	Default Capability
	ByType  map[model.SourceType]Capability
}

// For returns the capability for t.
func (r *Router) For(t model.SourceType) (Capability, error) {
	if c, ok := r.ByType[t]; ok && c != nil {
		return c, nil
	}
	if r.Default == nil {
		return nil, eris.Errorf("extract: no capability for source type %q", t)
	}
	return r.Default, nil
}
