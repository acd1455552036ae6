package pipeline

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
)

// nextStage maps a state to the stage an observation attempts next.
var nextStage = map[model.Stage]model.Stage{
	model.StageFetched:       model.StageExtracted,
	model.StageExtracted:     model.StageResolved,
	model.StageResolved:      model.StageMerged,
	model.StageMerged:        model.StageChangeChecked,
	model.StageChangeChecked: model.StagePersisted,
}

// runState is the mutable report of one run. Workers report into it
// concurrently.
type runState struct {
	log *zap.Logger

	mu            sync.Mutex
	report        *model.RunReport
	authoritative map[string]bool
}

func newRunState(runID string, startedAt time.Time) *runState {
	return &runState{
		log: zap.L().With(zap.String("run_id", runID)),
		report: &model.RunReport{
			RunID:     runID,
			StartedAt: startedAt,
		},
		authoritative: map[string]bool{},
	}
}

func (rs *runState) runID() string { return rs.report.RunID }

// observe registers the batch; item i reports through index i.
func (rs *runState) observe(batch []model.RawObservation) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.report.Observations = make([]model.ObservationOutcome, len(batch))
	for i, obs := range batch {
		rs.report.Observations[i] = model.ObservationOutcome{
			Key:      obs.Key(),
			SourceID: obs.SourceID,
			URL:      obs.URL,
			State:    model.StageFetched,
		}
	}
}

func (rs *runState) isAuthoritative(sourceID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.authoritative[sourceID]
}

func (rs *runState) advance(i int, stage model.Stage, id model.EntityID) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	o := &rs.report.Observations[i]
	if o.Failed() {
		return
	}
	o.State = stage
	if id != "" {
		o.EntityID = id
	}
}

// fail moves observation i to failed at the stage it was attempting.
func (rs *runState) fail(i int, reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	o := &rs.report.Observations[i]
	if o.Failed() || o.State == model.StagePersisted {
		return
	}
	o.FailedAt = nextStage[o.State]
	o.State = model.StageFailed
	o.Error = reason
}

// addIssue records is and bumps the counter for its kind.
func (rs *runState) addIssue(is model.Issue) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.addIssueLocked(is)
}

func (rs *runState) addIssues(issues []model.Issue) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, is := range issues {
		rs.addIssueLocked(is)
	}
}

func (rs *runState) addIssueLocked(is model.Issue) {
	r := rs.report
	r.Issues = append(r.Issues, is)
	switch is.Kind {
	case model.IssueSourceUnavailable:
		r.SourceFailures++
	case model.IssueExtractionTimeout, model.IssueExtractionMalformed:
		r.ExtractionFailures++
	case model.IssueResolutionConflict:
		r.ResolutionConflicts++
	case model.IssueReviewRequired:
		r.ReviewFlags++
	case model.IssueExtractionAnomaly:
		r.ExtractionAnomalies++
	case model.IssuePersistenceFailure:
		r.PersistenceFailures++
	}
	rs.log.Debug("pipeline: issue",
		zap.String("kind", string(is.Kind)),
		zap.String("entity_id", string(is.EntityID)),
		zap.String("source_id", is.SourceID),
		zap.String("message", is.Message),
	)
}

func (rs *runState) unchanged() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.report.UnchangedEntities++
}

func (rs *runState) wrote(created bool, delta model.ChangeDelta) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if created {
		rs.report.NewEntities++
	} else {
		rs.report.UpdatedEntities++
	}
	rs.report.Writes++
	rs.report.Deltas = append(rs.report.Deltas, delta)
}

// abort marks the run aborted. The first reason wins.
func (rs *runState) abort(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.report.Aborted {
		return
	}
	rs.report.Aborted = true
	rs.report.AbortReason = reason
	rs.addIssueLocked(model.Issue{Kind: model.IssueRunAborted, Message: reason})
	rs.log.Error("pipeline: run aborted", zap.String("reason", reason))
}

func (rs *runState) abortReason() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return cmp.Or(rs.report.AbortReason, "run cancelled")
}

func (rs *runState) aborted() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.report.Aborted
}

// seal fails anything left in flight and orders the concurrent parts of
// the report.
func (rs *runState) seal(finishedAt time.Time) *model.RunReport {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := rs.report
	for i := range r.Observations {
		o := &r.Observations[i]
		if o.Failed() || o.State == model.StagePersisted {
			continue
		}
		o.FailedAt = nextStage[o.State]
		o.State = model.StageFailed
		if o.Error == "" {
			o.Error = "not started: " + r.AbortReason
		}
	}
	slices.SortStableFunc(r.Issues, compareIssues)
	slices.SortFunc(r.Deltas, func(a, b model.ChangeDelta) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	r.FinishedAt = finishedAt
	return r
}

func compareIssues(a, b model.Issue) int {
	return cmp.Or(
		cmp.Compare(a.Kind, b.Kind),
		cmp.Compare(a.EntityID, b.EntityID),
		cmp.Compare(a.SourceID, b.SourceID),
		cmp.Compare(a.URL, b.URL),
		cmp.Compare(a.Field, b.Field),
		cmp.Compare(a.Message, b.Message),
	)
}
