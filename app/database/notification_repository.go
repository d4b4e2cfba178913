package database

import (
	"database/sql"
	"time"
)

type notificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) NotificationRepository {
	return &notificationRepository{db: db}
}

// Upsert relies on the unique index over idempotency_key: the INSERT is a
// no-op when a record with the same key exists, and RowsAffected tells the
// two cases apart without a separate read-then-write race.
func (r *notificationRepository) Upsert(n *Notification) (*Notification, bool, error) {
	res, err := r.db.Exec(`
		INSERT INTO notifications (id, subscription_id, channel_id, change_id,
			idempotency_key, status, attempts, next_retry_at, sent_at, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		n.ID, n.SubscriptionID, n.ChannelID, n.ChangeID,
		n.IdempotencyKey, string(n.Status), n.Attempts,
		formatNullTime(n.NextRetryAt), formatNullTime(n.SentAt),
		n.Error, formatTime(n.CreatedAt))
	if err != nil {
		return nil, false, &PersistenceError{Op: "upsert notification", Cause: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, &PersistenceError{Op: "upsert notification", Cause: err}
	}
	if affected > 0 {
		return n, true, nil
	}

	existing, err := r.GetByKey(n.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *notificationRepository) GetByKey(idempotencyKey string) (*Notification, error) {
	row := r.db.QueryRow(notificationSelect+` WHERE idempotency_key = ?`, idempotencyKey)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get notification by key", Cause: err}
	}
	return n, nil
}

func (r *notificationRepository) Update(n *Notification) error {
	_, err := r.db.Exec(`
		UPDATE notifications
		SET status = ?, attempts = ?, next_retry_at = ?, sent_at = ?, error = ?
		WHERE id = ?`,
		string(n.Status), n.Attempts,
		formatNullTime(n.NextRetryAt), formatNullTime(n.SentAt),
		n.Error, n.ID)
	if err != nil {
		return &PersistenceError{Op: "update notification", Cause: err}
	}
	return nil
}

// ListDuePending returns pending notifications whose retry time has passed
// (or was never set), oldest first. Used to resume interrupted deliveries
// after a restart.
func (r *notificationRepository) ListDuePending(now time.Time, limit int) ([]*Notification, error) {
	rows, err := r.db.Query(notificationSelect+`
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at
		LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list due notifications", Cause: err}
	}
	defer rows.Close()

	return collectNotifications(rows)
}

func (r *notificationRepository) List(limit int) ([]*Notification, error) {
	rows, err := r.db.Query(notificationSelect+`
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list notifications", Cause: err}
	}
	defer rows.Close()

	return collectNotifications(rows)
}

func (r *notificationRepository) CountByStatus() (map[NotificationStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, &PersistenceError{Op: "count notifications", Cause: err}
	}
	defer rows.Close()

	counts := make(map[NotificationStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, &PersistenceError{Op: "scan notification count", Cause: err}
		}
		counts[NotificationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate notification counts", Cause: err}
	}
	return counts, nil
}

const notificationSelect = `
	SELECT id, subscription_id, channel_id, change_id, idempotency_key,
		status, attempts, next_retry_at, sent_at, error, created_at
	FROM notifications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var status, createdAt string
	var nextRetry, sentAt sql.NullString

	err := row.Scan(&n.ID, &n.SubscriptionID, &n.ChannelID, &n.ChangeID,
		&n.IdempotencyKey, &status, &n.Attempts, &nextRetry, &sentAt,
		&n.Error, &createdAt)
	if err != nil {
		return nil, err
	}

	n.Status = NotificationStatus(status)
	if nextRetry.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextRetry.String)
		if err != nil {
			return nil, err
		}
		n.NextRetryAt = &t
	}
	if sentAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, sentAt.String)
		if err != nil {
			return nil, err
		}
		n.SentAt = &t
	}
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows *sql.Rows) ([]*Notification, error) {
	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "scan notification", Cause: err}
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate notifications", Cause: err}
	}
	return notifications, nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
