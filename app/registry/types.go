package registry

import (
	"time"
)

// ServerRecord is the normalized representation of one registry entry.
// Name is the unique key within a snapshot.
type ServerRecord struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	RepositoryURL string         `json:"repository_url"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Snapshot is a full point-in-time capture of all registry entries plus a
// content hash. Snapshots are immutable once written; a newer snapshot
// supersedes (never deletes) the previous one.
type Snapshot struct {
	ID          string
	Timestamp   time.Time
	ContentHash string
	Entries     map[string]ServerRecord
}
