// Package store persists canonical records, their change history, the
// extraction log and run reports.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/model"
)

// Store errors.
var (
	ErrNotFound = eris.New("store: not found")
	// ErrVersionConflict means the stored record moved past the version the
	// write was computed from. Retrying the same write cannot succeed.
	ErrVersionConflict = eris.New("store: version conflict")
	// ErrDuplicateIdentifier means another entity already holds the scheme id
	// or CIN of the record being written.
	ErrDuplicateIdentifier = eris.New("store: identifier held by another entity")
)

// ListFilter pages through canonical records in entity id order.
type ListFilter struct {
	Status model.RecordStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// Store is the storage capability behind the persistence coordinator.
type Store interface {
	// Canonical records
	GetCanonical(ctx context.Context, id model.EntityID) (*model.CanonicalRecord, error)
	// UpsertCanonical writes record and appends delta in one transaction.
	// The write applies only if the stored version still equals
	// delta.VersionFrom; replaying a write that already committed is a no-op.
	UpsertCanonical(ctx context.Context, record model.CanonicalRecord, delta model.ChangeDelta) error
	FindCandidates(ctx context.Context, keys model.CandidateKeys) ([]model.CanonicalRecord, error)
	ListCanonical(ctx context.Context, filter ListFilter) ([]model.CanonicalRecord, error)
	// ListDeltas returns the history of id, or of every entity when id is empty.
	ListDeltas(ctx context.Context, id model.EntityID) ([]model.ChangeDelta, error)

	// Audit
	RecordExtraction(ctx context.Context, entry model.ExtractionLogEntry) error
	ListExtractions(ctx context.Context, runID string) ([]model.ExtractionLogEntry, error)
	SaveRunReport(ctx context.Context, report *model.RunReport) error
	GetRunReport(ctx context.Context, runID string) (*model.RunReport, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
