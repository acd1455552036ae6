package extract

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// cleanJSON strips markdown fences and surrounding prose from a model
// answer, keeping the outermost object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	for _, fence := range []string{"```json", "```"} {
		if strings.HasPrefix(text, fence) {
			text = strings.TrimPrefix(text, fence)
			if i := strings.LastIndex(text, "```"); i >= 0 {
				text = text[:i]
			}
			break
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

type answerField struct {
	Value      any `json:"value"`
	Confidence any `json:"confidence"`
}

// parseFields decodes {"fields": {key: {"value", "confidence"}}}. A bare
// {key: {...}} object is accepted too. Null values are skipped.
func parseFields(text string) (map[string]RawField, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.Wrap(ErrExtractionMalformed, "no JSON object in answer")
	}

	var top map[string]json.RawMessage
	if err := decode(cleaned, &top); err != nil {
		return nil, eris.Wrapf(ErrExtractionMalformed, "decode answer: %v", err)
	}
	body := top
	if inner, ok := top["fields"]; ok {
		body = nil
		if err := decode(string(inner), &body); err != nil {
			return nil, eris.Wrapf(ErrExtractionMalformed, "decode fields: %v", err)
		}
	}

	out := make(map[string]RawField, len(body))
	for key, raw := range body {
		var af answerField
		if err := decode(string(raw), &af); err != nil {
			// A scalar where an object was expected: the model skipped the
			// confidence wrapper.
			continue
		}
		if af.Value == nil {
			continue
		}
		out[key] = RawField{Value: af.Value, Confidence: toFloat(af.Confidence)}
	}
	return out, nil
}

func decode(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, _ := n.Float64()
		return f
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f
	default:
		return 0
	}
}
