// Package change compares a merged record against its prior version.
package change

import (
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sells-group/biotech-recon/internal/model"
)

var equateEmpty = cmpopts.EquateEmpty()

// Detect diffs next against prior by field value. With no prior every field
// is a change from nil and the record becomes version 1. When nothing
// changed the prior record is returned as is with an empty delta, so the
// caller writes nothing. Otherwise the version advances by exactly one and
// UpdatedAt moves to now.
func Detect(prior *model.CanonicalRecord, next model.CanonicalRecord, runID string, now time.Time) (model.CanonicalRecord, model.ChangeDelta) {
	delta := model.ChangeDelta{
		EntityID:      next.EntityID,
		ChangedFields: map[string]model.FieldChange{},
		RunID:         runID,
		CreatedAt:     now,
	}

	if prior == nil {
		for k, v := range next.Fields {
			delta.ChangedFields[k] = model.FieldChange{New: v}
		}
		if len(delta.ChangedFields) == 0 {
			return next, delta
		}
		next.Version = 1
		next.CreatedAt = now
		next.UpdatedAt = now
		delta.VersionTo = 1
		return next, delta
	}

	for _, k := range unionKeys(prior.Fields, next.Fields) {
		old, hadOld := prior.Fields[k]
		cur, hasCur := next.Fields[k]
		if hadOld == hasCur && cmp.Equal(old, cur, equateEmpty) {
			continue
		}
		delta.ChangedFields[k] = model.FieldChange{Old: old, New: cur}
	}

	delta.VersionFrom = prior.Version
	if len(delta.ChangedFields) == 0 {
		delta.VersionTo = prior.Version
		return *prior.Clone(), delta
	}

	next.Version = prior.Version + 1
	next.CreatedAt = prior.CreatedAt
	next.UpdatedAt = now
	delta.VersionTo = next.Version
	return next, delta
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}
