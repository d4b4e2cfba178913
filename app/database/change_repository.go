package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/regwatch/regwatch/app/diff"
)

type changeRepository struct {
	db *DB
}

func NewChangeRepository(db *DB) ChangeRepository {
	return &changeRepository{db: db}
}

func (r *changeRepository) Insert(changes []diff.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "begin change insert", Cause: err}
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO changes (id, snapshot_id, server_name, change_type,
			previous_version, new_version, field_changes, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return &PersistenceError{Op: "prepare change insert", Cause: err}
	}
	defer stmt.Close()

	for _, c := range changes {
		fieldsJSON, err := json.Marshal(c.FieldChanges)
		if err != nil {
			return &PersistenceError{Op: "encode field changes", Cause: err}
		}
		_, err = stmt.Exec(c.ID, nullIfEmpty(c.SnapshotID), c.ServerName, string(c.Type),
			c.PreviousVersion, c.NewVersion, string(fieldsJSON),
			formatTime(c.DetectedAt))
		if err != nil {
			return &PersistenceError{Op: "insert change", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit change insert", Cause: err}
	}
	return nil
}

func (r *changeRepository) Get(id string) (*diff.Change, error) {
	rows, err := r.db.Query(`
		SELECT id, snapshot_id, server_name, change_type,
			previous_version, new_version, field_changes, detected_at
		FROM changes
		WHERE id = ?`, id)
	if err != nil {
		return nil, &PersistenceError{Op: "get change", Cause: err}
	}
	defer rows.Close()

	changes, err := scanChanges(rows)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return &changes[0], nil
}

func (r *changeRepository) ListSince(since time.Time) ([]diff.Change, error) {
	rows, err := r.db.Query(`
		SELECT id, snapshot_id, server_name, change_type,
			previous_version, new_version, field_changes, detected_at
		FROM changes
		WHERE detected_at > ?
		ORDER BY detected_at, server_name`,
		formatTime(since))
	if err != nil {
		return nil, &PersistenceError{Op: "list changes since", Cause: err}
	}
	defer rows.Close()

	return scanChanges(rows)
}

func (r *changeRepository) List(limit int) ([]diff.Change, error) {
	rows, err := r.db.Query(`
		SELECT id, snapshot_id, server_name, change_type,
			previous_version, new_version, field_changes, detected_at
		FROM changes
		ORDER BY detected_at DESC, server_name
		LIMIT ?`, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list changes", Cause: err}
	}
	defer rows.Close()

	return scanChanges(rows)
}

func scanChanges(rows *sql.Rows) ([]diff.Change, error) {
	var changes []diff.Change
	for rows.Next() {
		var c diff.Change
		var snapshotID sql.NullString
		var changeType, fieldsJSON, detectedAt string
		err := rows.Scan(&c.ID, &snapshotID, &c.ServerName, &changeType,
			&c.PreviousVersion, &c.NewVersion, &fieldsJSON, &detectedAt)
		if err != nil {
			return nil, &PersistenceError{Op: "scan change", Cause: err}
		}
		c.SnapshotID = snapshotID.String
		c.Type = diff.ChangeType(changeType)
		if err := json.Unmarshal([]byte(fieldsJSON), &c.FieldChanges); err != nil {
			return nil, &PersistenceError{Op: "decode field changes", Cause: err}
		}
		c.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt)
		if err != nil {
			return nil, &PersistenceError{Op: "parse change timestamp", Cause: err}
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate changes", Cause: err}
	}
	return changes, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
