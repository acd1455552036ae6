// Package review publishes issues that need a human decision: resolution
// conflicts and ambiguous or unidentified matches.
package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/pkg/notion"
)

// Sink receives the manual review items of a run.
type Sink interface {
	Publish(ctx context.Context, runID string, issues []model.Issue) error
}

// Pending returns the issues that need manual review.
func Pending(issues []model.Issue) []model.Issue {
	var out []model.Issue
	for _, is := range issues {
		if is.Kind == model.IssueResolutionConflict || is.Kind == model.IssueReviewRequired {
			out = append(out, is)
		}
	}
	return out
}

// Key identifies an issue across runs so a sink can skip items it already
// holds.
func Key(is model.Issue) string {
	cands := make([]string, len(is.Candidates))
	for i, c := range is.Candidates {
		cands[i] = string(c)
	}
	return strings.Join([]string{
		string(is.Kind), string(is.EntityID), is.SourceID, is.URL, is.Field, strings.Join(cands, ","),
	}, "|")
}

// LogSink writes review items to the global logger.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, runID string, issues []model.Issue) error {
	for _, is := range issues {
		zap.L().Warn("review: manual review required",
			zap.String("run_id", runID),
			zap.String("kind", string(is.Kind)),
			zap.String("entity_id", string(is.EntityID)),
			zap.String("source_id", is.SourceID),
			zap.String("url", is.URL),
			zap.Strings("candidates", entityStrings(is.Candidates)),
			zap.String("message", is.Message),
		)
	}
	return nil
}

func entityStrings(ids []model.EntityID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// NotionSink files each review item as a page in a Notion database with
// the properties Name (title), Key, Kind, Run, Entity, Source, URL,
// Candidates, Message, Score and Status. Items whose Key already exists are
// skipped.
type NotionSink struct {
	client notion.Client
	dbID   string
}

// NewNotionSink creates a sink for database dbID.
func NewNotionSink(client notion.Client, dbID string) *NotionSink {
	return &NotionSink{client: client, dbID: dbID}
}

func (s *NotionSink) Publish(ctx context.Context, runID string, issues []model.Issue) error {
	var created, skipped int
	for _, is := range issues {
		key := Key(is)
		exists, err := s.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			skipped++
			continue
		}
		if _, err := s.client.CreatePage(ctx, s.page(runID, key, is)); err != nil {
			return eris.Wrapf(err, "review: file %s", is.Kind)
		}
		created++
	}
	zap.L().Info("review: published to notion",
		zap.String("run_id", runID),
		zap.Int("created", created),
		zap.Int("skipped", skipped),
	)
	return nil
}

func (s *NotionSink) exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.QueryDatabase(ctx, s.dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Key",
			RichText: &notionapi.TextFilterCondition{Equals: key},
		},
		PageSize: 1,
	})
	if err != nil {
		return false, eris.Wrap(err, "review: query existing items")
	}
	return len(resp.Results) > 0, nil
}

func (s *NotionSink) page(runID, key string, is model.Issue) *notionapi.PageCreateRequest {
	subject := string(is.EntityID)
	if subject == "" {
		subject = is.SourceID
		if is.URL != "" {
			subject += " " + is.URL
		}
	}
	return &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(s.dbID),
		},
		Properties: notionapi.Properties{
			"Name":       notion.Title(fmt.Sprintf("%s: %s", is.Kind, subject)),
			"Key":        notion.RichText(key),
			"Kind":       notion.Select(string(is.Kind)),
			"Run":        notion.RichText(runID),
			"Entity":     notion.RichText(string(is.EntityID)),
			"Source":     notion.RichText(is.SourceID),
			"URL":        notion.RichText(is.URL),
			"Candidates": notion.RichText(strings.Join(entityStrings(is.Candidates), ", ")),
			"Message":    notion.RichText(is.Message),
			"Score":      notion.Number(is.Score),
			"Status":     notion.Select("Open"),
		},
	}
}

// Multi publishes to every sink, returning the first error after trying
// all of them.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, runID string, issues []model.Issue) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, runID, issues); err != nil && first == nil {
			first = err
		}
	}
	return first
}
