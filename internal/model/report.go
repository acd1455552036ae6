package model

import "time"

// IssueKind classifies a problem recorded during a run.
type IssueKind string

// Issue kinds.
const (
	IssueSourceUnavailable   IssueKind = "source_unavailable"
	IssueExtractionTimeout   IssueKind = "extraction_timeout"
	IssueExtractionMalformed IssueKind = "extraction_malformed"
	IssueResolutionConflict  IssueKind = "resolution_conflict"
	IssueReviewRequired      IssueKind = "review_required"
	IssueExtractionAnomaly   IssueKind = "extraction_anomaly"
	IssuePersistenceFailure  IssueKind = "persistence_failure"
	IssueRunAborted          IssueKind = "run_aborted"
)

// Issue is one reportable problem, scoped to an observation, an entity or
// a source.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	EntityID EntityID  `json:"entity_id,omitempty"`
	SourceID string    `json:"source_id,omitempty"`
	URL      string    `json:"url,omitempty"`
	Field    string    `json:"field,omitempty"`
	Message  string    `json:"message"`
	// Candidates lists the existing entities involved in a conflict or an
	// ambiguous match.
	Candidates []EntityID `json:"candidates,omitempty"`
	Score      float64    `json:"score,omitempty"`
}

// Stage is a step in the per-observation lifecycle.
type Stage string

// Stages, in lifecycle order.
const (
	StageFetched       Stage = "fetched"
	StageExtracted     Stage = "extracted"
	StageResolved      Stage = "resolved"
	StageMerged        Stage = "merged"
	StageChangeChecked Stage = "change_checked"
	StagePersisted     Stage = "persisted"
	StageFailed        Stage = "failed"
)

// ObservationOutcome is the terminal state of one observation in a run.
// FailedAt names the stage that was being attempted when State is
// StageFailed.
type ObservationOutcome struct {
	Key      string   `json:"key"`
	SourceID string   `json:"source_id"`
	URL      string   `json:"url,omitempty"`
	State    Stage    `json:"state"`
	FailedAt Stage    `json:"failed_at,omitempty"`
	EntityID EntityID `json:"entity_id,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Failed reports whether the observation ended in failed-at-<stage>.
func (o ObservationOutcome) Failed() bool { return o.State == StageFailed }

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	NewEntities         int `json:"new_entities"`
	UpdatedEntities     int `json:"updated_entities"`
	UnchangedEntities   int `json:"unchanged_entities"`
	ResolutionConflicts int `json:"resolution_conflicts"`
	ExtractionAnomalies int `json:"extraction_anomalies"`
	PersistenceFailures int `json:"persistence_failures"`
	ExtractionFailures  int `json:"extraction_failures"`
	SourceFailures      int `json:"source_failures"`
	ReviewFlags         int `json:"review_flags"`
	Writes              int `json:"writes"`

	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abort_reason,omitempty"`

	Issues       []Issue              `json:"issues"`
	Observations []ObservationOutcome `json:"observations"`
	Deltas       []ChangeDelta        `json:"deltas"`
}

// IssuesOf returns the issues of the given kind.
func (r *RunReport) IssuesOf(kind IssueKind) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Kind == kind {
			out = append(out, is)
		}
	}
	return out
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExtractionStatus is the outcome recorded in the extraction log.
type ExtractionStatus string

// Extraction log statuses.
const (
	ExtractionSuccess ExtractionStatus = "success"
	ExtractionPartial ExtractionStatus = "partial"
	ExtractionFailed  ExtractionStatus = "failed"
)

// ExtractionLogEntry is the audit row written for every extraction attempt.
type ExtractionLogEntry struct {
	RunID       string           `json:"run_id"`
	SourceID    string           `json:"source_id"`
	URL         string           `json:"url,omitempty"`
	Status      ExtractionStatus `json:"status"`
	FieldsFound int              `json:"fields_found"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
