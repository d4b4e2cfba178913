package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/regwatch/regwatch/app/registry"
)

type snapshotRepository struct {
	db *DB
}

func NewSnapshotRepository(db *DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

func (r *snapshotRepository) LoadLatest() (*registry.Snapshot, error) {
	row := r.db.QueryRow(`
		SELECT id, created_at, content_hash, entries
		FROM snapshots
		ORDER BY created_at DESC
		LIMIT 1`)

	var s registry.Snapshot
	var createdAt, entriesJSON string
	err := row.Scan(&s.ID, &createdAt, &s.ContentHash, &entriesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load latest snapshot", Cause: err}
	}

	s.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, &PersistenceError{Op: "parse snapshot timestamp", Cause: err}
	}
	if err := json.Unmarshal([]byte(entriesJSON), &s.Entries); err != nil {
		return nil, &PersistenceError{Op: "decode snapshot entries", Cause: err}
	}
	return &s, nil
}

func (r *snapshotRepository) Save(snapshot *registry.Snapshot) error {
	entriesJSON, err := json.Marshal(snapshot.Entries)
	if err != nil {
		return &PersistenceError{Op: "encode snapshot entries", Cause: err}
	}

	_, err = r.db.Exec(`
		INSERT INTO snapshots (id, created_at, content_hash, entries)
		VALUES (?, ?, ?, ?)`,
		snapshot.ID,
		formatTime(snapshot.Timestamp),
		snapshot.ContentHash,
		string(entriesJSON))
	if err != nil {
		return &PersistenceError{Op: "save snapshot", Cause: err}
	}
	return nil
}
