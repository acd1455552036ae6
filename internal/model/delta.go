package model

import (
	"slices"
	"time"
)

// FieldChange is the before and after value of one field. Old is nil when
// the field was previously unset.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeDelta is the per-field diff between two versions of a record.
type ChangeDelta struct {
	EntityID      EntityID               `json:"entity_id"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
	VersionFrom   int                    `json:"version_from"`
	VersionTo     int                    `json:"version_to"`
	RunID         string                 `json:"run_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// IsEmpty reports whether the delta carries no change.
func (d *ChangeDelta) IsEmpty() bool {
	return d == nil || len(d.ChangedFields) == 0
}

// Fields returns the changed field keys in sorted order.
func (d *ChangeDelta) Fields() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.ChangedFields))
	for k := range d.ChangedFields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
