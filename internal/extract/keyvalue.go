package extract

import (
	"context"
	"strings"

	"github.com/sells-group/biotech-recon/internal/model"
)

// KeyValueCapability parses "key: value" documents produced by structured
// sources. Keys outside the schema are passed through for the extractor to
// reject.
type KeyValueCapability struct {
	Confidence float64
}

// Extract returns one field per line. Later lines win.
func (c KeyValueCapability) Extract(ctx context.Context, text string, _ *model.Schema) (map[string]RawField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conf := c.Confidence
	if conf == 0 {
		conf = 1
	}
	out := make(map[string]RawField)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = RawField{Value: value, Confidence: conf}
	}
	if len(out) == 0 {
		return nil, ErrExtractionMalformed
	}
	return out, nil
}
