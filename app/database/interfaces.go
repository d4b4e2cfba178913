package database

import (
	"time"

	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/registry"
	"github.com/regwatch/regwatch/app/subscription"
)

type SnapshotRepository interface {
	LoadLatest() (*registry.Snapshot, error)
	Save(snapshot *registry.Snapshot) error
}

type ChangeRepository interface {
	Insert(changes []diff.Change) error
	Get(id string) (*diff.Change, error)
	ListSince(since time.Time) ([]diff.Change, error)
	List(limit int) ([]diff.Change, error)
}

type SubscriptionRepository interface {
	// Sync upserts subscriptions loaded from configuration into the store,
	// preserving runtime state (quota counters, channel stats, digest marks)
	// for subscriptions that already exist.
	Sync(subs []*subscription.Subscription) error

	LoadActive() ([]*subscription.Subscription, error)
	IncrementQuota(subscriptionID string, now time.Time) error
	UpdateChannelStats(channelID string, success bool, sendErr string, now time.Time) error
	SetLastDigest(subscriptionID string, at time.Time) error
}

type NotificationRepository interface {
	// Upsert inserts the notification unless a record with the same
	// idempotency key already exists, in which case the existing record is
	// returned and wasNew is false. The insert is atomic at the store level.
	Upsert(n *Notification) (*Notification, bool, error)

	GetByKey(idempotencyKey string) (*Notification, error)
	Update(n *Notification) error
	ListDuePending(now time.Time, limit int) ([]*Notification, error)
	List(limit int) ([]*Notification, error)
	CountByStatus() (map[NotificationStatus]int, error)
}

type FeedRepository interface {
	InsertItem(item *FeedItem) error
	GetItems(feedName string, limit int) ([]*FeedItem, error)
}
