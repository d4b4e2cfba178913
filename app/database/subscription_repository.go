package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/subscription"
)

type subscriptionRepository struct {
	db *DB
}

func NewSubscriptionRepository(db *DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// Sync reconciles the store with the configured subscription set. Configured
// fields (pattern, status, quota limits, channels) are overwritten; runtime
// counters survive for subscriptions and channels that keep their IDs.
// Subscriptions absent from the configuration are marked expired rather than
// deleted so their notification history stays queryable.
func (r *subscriptionRepository) Sync(subs []*subscription.Subscription) error {
	tx, err := r.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "begin subscription sync", Cause: err}
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		seen[sub.ID] = true

		notifyJSON, err := json.Marshal(sub.Filter.NotifyOn)
		if err != nil {
			return &PersistenceError{Op: "encode notify_on", Cause: err}
		}

		_, err = tx.Exec(`
			INSERT INTO subscriptions (id, name, pattern, is_regex, notify_on,
				status, digest, quota_limit, quota_window_seconds, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				pattern = excluded.pattern,
				is_regex = excluded.is_regex,
				notify_on = excluded.notify_on,
				status = excluded.status,
				digest = excluded.digest,
				quota_limit = excluded.quota_limit,
				quota_window_seconds = excluded.quota_window_seconds,
				updated_at = excluded.updated_at`,
			sub.ID, sub.Name, sub.Filter.ServerPattern, boolToInt(sub.Filter.IsRegex),
			string(notifyJSON), string(sub.Status), boolToInt(sub.Digest),
			sub.Quota.Limit, int(sub.Quota.Window.Seconds()), now, now)
		if err != nil {
			return &PersistenceError{Op: fmt.Sprintf("sync subscription %s", sub.Name), Cause: err}
		}

		chanSeen := make(map[string]bool, len(sub.Channels))
		for _, ch := range sub.Channels {
			chanSeen[ch.ID] = true

			configJSON, err := json.Marshal(ch.Config)
			if err != nil {
				return &PersistenceError{Op: "encode channel config", Cause: err}
			}

			_, err = tx.Exec(`
				INSERT INTO channels (id, subscription_id, type, config, enabled)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					subscription_id = excluded.subscription_id,
					type = excluded.type,
					config = excluded.config,
					enabled = excluded.enabled`,
				ch.ID, sub.ID, string(ch.Type), string(configJSON), boolToInt(ch.Enabled))
			if err != nil {
				return &PersistenceError{Op: fmt.Sprintf("sync channel %s", ch.ID), Cause: err}
			}
		}

		rows, err := tx.Query(`SELECT id FROM channels WHERE subscription_id = ?`, sub.ID)
		if err != nil {
			return &PersistenceError{Op: "list channels for sync", Cause: err}
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return &PersistenceError{Op: "scan channel id", Cause: err}
			}
			if !chanSeen[id] {
				stale = append(stale, id)
			}
		}
		rows.Close()
		for _, id := range stale {
			if _, err := tx.Exec(`DELETE FROM channels WHERE id = ?`, id); err != nil {
				return &PersistenceError{Op: "remove stale channel", Cause: err}
			}
		}
	}

	rows, err := tx.Query(`SELECT id FROM subscriptions WHERE status != 'expired'`)
	if err != nil {
		return &PersistenceError{Op: "list subscriptions for sync", Cause: err}
	}
	var gone []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return &PersistenceError{Op: "scan subscription id", Cause: err}
		}
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	rows.Close()
	for _, id := range gone {
		_, err := tx.Exec(`UPDATE subscriptions SET status = 'expired', updated_at = ? WHERE id = ?`, now, id)
		if err != nil {
			return &PersistenceError{Op: "expire removed subscription", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit subscription sync", Cause: err}
	}
	return nil
}

func (r *subscriptionRepository) LoadActive() ([]*subscription.Subscription, error) {
	rows, err := r.db.Query(`
		SELECT id, name, pattern, is_regex, notify_on, status, digest,
			quota_limit, quota_window_seconds, quota_window_start, quota_count,
			last_digest_at, created_at, updated_at
		FROM subscriptions
		WHERE status = 'active'
		ORDER BY name`)
	if err != nil {
		return nil, &PersistenceError{Op: "load active subscriptions", Cause: err}
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate subscriptions", Cause: err}
	}

	for _, sub := range subs {
		if err := r.loadChannels(sub); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func scanSubscription(rows *sql.Rows) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var isRegex, digest int
	var notifyJSON, status, createdAt, updatedAt string
	var windowSeconds int
	var windowStart, lastDigest sql.NullString

	err := rows.Scan(&sub.ID, &sub.Name, &sub.Filter.ServerPattern, &isRegex,
		&notifyJSON, &status, &digest,
		&sub.Quota.Limit, &windowSeconds, &windowStart, &sub.Quota.Count,
		&lastDigest, &createdAt, &updatedAt)
	if err != nil {
		return nil, &PersistenceError{Op: "scan subscription", Cause: err}
	}

	sub.Filter.IsRegex = isRegex != 0
	sub.Digest = digest != 0
	sub.Status = subscription.Status(status)
	sub.Quota.Window = time.Duration(windowSeconds) * time.Second

	var notifyOn []diff.ChangeType
	if err := json.Unmarshal([]byte(notifyJSON), &notifyOn); err != nil {
		return nil, &PersistenceError{Op: "decode notify_on", Cause: err}
	}
	sub.Filter.NotifyOn = notifyOn

	if sub.Quota.WindowStart, err = parseNullTime(windowStart); err != nil {
		return nil, &PersistenceError{Op: "parse quota window start", Cause: err}
	}
	if lastDigest.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastDigest.String)
		if err != nil {
			return nil, &PersistenceError{Op: "parse last digest time", Cause: err}
		}
		sub.LastDigestAt = &t
	}
	if sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, &PersistenceError{Op: "parse subscription created_at", Cause: err}
	}
	if sub.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, &PersistenceError{Op: "parse subscription updated_at", Cause: err}
	}
	return &sub, nil
}

func (r *subscriptionRepository) loadChannels(sub *subscription.Subscription) error {
	rows, err := r.db.Query(`
		SELECT id, type, config, enabled, success_count, failure_count,
			last_success, last_failure, last_error
		FROM channels
		WHERE subscription_id = ?
		ORDER BY id`, sub.ID)
	if err != nil {
		return &PersistenceError{Op: "load channels", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var ch subscription.Channel
		var chType, configJSON string
		var enabled int
		var lastSuccess, lastFailure sql.NullString

		err := rows.Scan(&ch.ID, &chType, &configJSON, &enabled,
			&ch.SuccessCount, &ch.FailureCount, &lastSuccess, &lastFailure, &ch.LastError)
		if err != nil {
			return &PersistenceError{Op: "scan channel", Cause: err}
		}
		ch.SubscriptionID = sub.ID
		ch.Type = subscription.ChannelType(chType)
		ch.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(configJSON), &ch.Config); err != nil {
			return &PersistenceError{Op: "decode channel config", Cause: err}
		}
		if lastSuccess.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastSuccess.String)
			if err != nil {
				return &PersistenceError{Op: "parse channel last success", Cause: err}
			}
			ch.LastSuccess = &t
		}
		if lastFailure.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastFailure.String)
			if err != nil {
				return &PersistenceError{Op: "parse channel last failure", Cause: err}
			}
			ch.LastFailure = &t
		}
		sub.Channels = append(sub.Channels, ch)
	}
	return rows.Err()
}

// IncrementQuota bumps the subscription's window counter, opening a fresh
// window first when the current one has elapsed. Runs read-modify-write in a
// transaction so concurrent dispatchers cannot lose increments.
func (r *subscriptionRepository) IncrementQuota(subscriptionID string, now time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "begin quota increment", Cause: err}
	}
	defer tx.Rollback()

	var windowSeconds, count int
	var windowStart sql.NullString
	err = tx.QueryRow(`
		SELECT quota_window_seconds, quota_window_start, quota_count
		FROM subscriptions WHERE id = ?`, subscriptionID).
		Scan(&windowSeconds, &windowStart, &count)
	if err != nil {
		return &PersistenceError{Op: "read quota state", Cause: err}
	}

	start, err := parseNullTime(windowStart)
	if err != nil {
		return &PersistenceError{Op: "parse quota window start", Cause: err}
	}

	window := time.Duration(windowSeconds) * time.Second
	if start.IsZero() || !now.Before(start.Add(window)) {
		start = now
		count = 0
	}
	count++

	_, err = tx.Exec(`
		UPDATE subscriptions
		SET quota_window_start = ?, quota_count = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(start), count, formatTime(now), subscriptionID)
	if err != nil {
		return &PersistenceError{Op: "update quota state", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit quota increment", Cause: err}
	}
	return nil
}

func (r *subscriptionRepository) UpdateChannelStats(channelID string, success bool, sendErr string, now time.Time) error {
	ts := formatTime(now)
	var err error
	if success {
		_, err = r.db.Exec(`
			UPDATE channels
			SET success_count = success_count + 1, last_success = ?, last_error = ''
			WHERE id = ?`, ts, channelID)
	} else {
		_, err = r.db.Exec(`
			UPDATE channels
			SET failure_count = failure_count + 1, last_failure = ?, last_error = ?
			WHERE id = ?`, ts, sendErr, channelID)
	}
	if err != nil {
		return &PersistenceError{Op: "update channel stats", Cause: err}
	}
	return nil
}

func (r *subscriptionRepository) SetLastDigest(subscriptionID string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE subscriptions SET last_digest_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(at), subscriptionID)
	if err != nil {
		return &PersistenceError{Op: "set last digest", Cause: err}
	}
	return nil
}

func parseNullTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
