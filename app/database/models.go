package database

import (
	"time"
)

// timeFormat is the stored timestamp layout: RFC 3339 in UTC with
// fixed-width nanoseconds. RFC3339Nano trims trailing fractional zeros,
// which makes lexicographic SQL comparisons disagree with chronological
// order within a second; the padded form keeps them aligned.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// Notification is one concrete delivery attempt record for a
// (subscription, channel, change) triple. At most one record exists per
// idempotency key; the unique index on the key enforces this even under
// concurrent dispatch attempts.
type Notification struct {
	ID             string             `json:"id"`
	SubscriptionID string             `json:"subscription_id"`
	ChannelID      string             `json:"channel_id"`
	ChangeID       string             `json:"change_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	NextRetryAt    *time.Time         `json:"next_retry_at,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// FeedItem is one entry in a channel's RSS feed output.
type FeedItem struct {
	ID          string
	FeedName    string
	GUID        string
	Title       string
	Description string
	Link        string
	PublishedAt time.Time
}
