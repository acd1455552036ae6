package review

import (
	"context"
	"errors"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	notionmocks "github.com/sells-group/biotech-recon/pkg/notion/mocks"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var conflict = model.Issue{
	Kind:       model.IssueResolutionConflict,
	SourceID:   "news",
	URL:        "https://news.in/acme",
	Message:    "scheme id BT/BIG/0101 matches e-1 but names differ",
	Candidates: []model.EntityID{"e-1"},
}

func TestPending(t *testing.T) {
	issues := []model.Issue{
		conflict,
		{Kind: model.IssueExtractionAnomaly, Field: model.FieldFundingAmountINR},
		{Kind: model.IssueReviewRequired, EntityID: "e-2", Score: 0.7},
		{Kind: model.IssuePersistenceFailure, EntityID: "e-3"},
	}
	got := Pending(issues)
	require.Len(t, got, 2)
	assert.Equal(t, model.IssueResolutionConflict, got[0].Kind)
	assert.Equal(t, model.IssueReviewRequired, got[1].Kind)
	assert.Empty(t, Pending(nil))
}

func TestKey_StableAcrossRuns(t *testing.T) {
	other := conflict
	other.Message = "different wording"
	assert.Equal(t, Key(conflict), Key(other))

	moved := conflict
	moved.Candidates = []model.EntityID{"e-9"}
	assert.NotEqual(t, Key(conflict), Key(moved))
}

func TestNotionSink_CreatesNewItems(t *testing.T) {
	mc := notionmocks.NewMockClient(t)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "review-db", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		f, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && f.Property == "Key" && f.RichText.Equals == Key(conflict)
	})).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		kind, ok := req.Properties["Kind"].(notionapi.SelectProperty)
		return ok && kind.Select.Name == "resolution_conflict" &&
			req.Parent.DatabaseID == notionapi.DatabaseID("review-db")
	})).Return(&notionapi.Page{ID: "p1"}, nil).Once()

	require.NoError(t, NewNotionSink(mc, "review-db").Publish(ctx, "run-1", []model.Issue{conflict}))
}

func TestNotionSink_SkipsExisting(t *testing.T) {
	mc := notionmocks.NewMockClient(t)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "review-db", mock.AnythingOfType("*notionapi.DatabaseQueryRequest")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "p1"}}}, nil).Once()

	require.NoError(t, NewNotionSink(mc, "review-db").Publish(ctx, "run-2", []model.Issue{conflict}))
	mc.AssertNotCalled(t, "CreatePage", mock.Anything, mock.Anything)
}

func TestNotionSink_QueryError(t *testing.T) {
	mc := notionmocks.NewMockClient(t)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "review-db", mock.Anything).
		Return(nil, errors.New("unauthorized")).Once()

	err := NewNotionSink(mc, "review-db").Publish(ctx, "run-1", []model.Issue{conflict})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query existing items")
}

type recordingSink struct {
	got []model.Issue
	err error
}

func (r *recordingSink) Publish(_ context.Context, _ string, issues []model.Issue) error {
	r.got = append(r.got, issues...)
	return r.err
}

func TestMulti_TriesEverySink(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{err: boom}
	b := &recordingSink{}

	err := Multi{a, LogSink{}, b}.Publish(context.Background(), "run-1", []model.Issue{conflict})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}
