package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/pkg/anthropic"
)

const systemPrompt = `You extract facts about Indian biotech startups from web pages, news articles and registry listings.
Report only what the text states. Answer with a single JSON object and nothing else.`

// AnthropicCapability extracts fields with a Claude model.
type AnthropicCapability struct {
	client        anthropic.Client
	model         string
	maxTokens     int64
	maxInputChars int
}

// NewAnthropicCapability creates the capability. maxInputChars truncates
// long pages; zero means 24000.
func NewAnthropicCapability(client anthropic.Client, model string, maxTokens int64, maxInputChars int) *AnthropicCapability {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if maxInputChars <= 0 {
		maxInputChars = 24000
	}
	return &AnthropicCapability{client: client, model: model, maxTokens: maxTokens, maxInputChars: maxInputChars}
}

// Extract prompts the model with the schema and parses its answer.
func (c *AnthropicCapability) Extract(ctx context.Context, text string, schema *model.Schema) (map[string]RawField, error) {
	if len(text) > c.maxInputChars {
		text = text[:c.maxInputChars]
	}
	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: buildPrompt(text, schema)}},
		Temperature: &temp,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ErrExtractionTimeout, "%v", ctx.Err())
		}
		return nil, eris.Wrap(err, "extract: model call")
	}
	resp.Usage.Log(c.model, "extract")

	return parseFields(resp.Text())
}

func buildPrompt(text string, schema *model.Schema) string {
	var b strings.Builder
	b.WriteString("Fields:\n")
	for _, f := range schema.Fields() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Key, f.Type, f.Description)
	}
	b.WriteString(`
Return {"fields": {"<field>": {"value": <value>, "confidence": <0.0-1.0>}}}.
Omit fields the text does not state. Dates as YYYY-MM-DD. Amounts in INR as plain numbers. Lists as JSON arrays of strings.

Text:
<<<
`)
	b.WriteString(text)
	b.WriteString("\n>>>")
	return b.String()
}
