package diff

import (
	"time"
)

type ChangeType string

const (
	ChangeTypeNew     ChangeType = "new"
	ChangeTypeUpdated ChangeType = "updated"
	ChangeTypeRemoved ChangeType = "removed"
)

// FieldChange records one differing field between two versions of a server
// record. Metadata keys are reported as "metadata.<key>".
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// Change is a detected difference between two successive snapshots for one
// server. Changes are created exclusively by the Engine and are immutable.
// ID, SnapshotID, and DetectedAt are stamped at persistence time so that the
// Engine's output stays deterministic for identical inputs.
type Change struct {
	ID              string        `json:"id"`
	SnapshotID      string        `json:"snapshot_id,omitempty"` // empty if no prior snapshot existed
	ServerName      string        `json:"server_name"`
	Type            ChangeType    `json:"change_type"`
	PreviousVersion string        `json:"previous_version,omitempty"`
	NewVersion      string        `json:"new_version,omitempty"`
	FieldChanges    []FieldChange `json:"field_changes,omitempty"`
	DetectedAt      time.Time     `json:"detected_at"`
}
