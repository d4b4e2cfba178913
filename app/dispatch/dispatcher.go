package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/senders"
	"github.com/regwatch/regwatch/app/subscription"
)

// Dispatcher turns matches into delivered notifications. Every delivery is
// keyed by the (subscription, channel, change) triple so re-dispatching the
// same change is a no-op, and transient failures are retried with
// exponential backoff before the notification is marked failed.
type Dispatcher struct {
	registry      *senders.Registry
	notifications database.NotificationRepository
	subscriptions database.SubscriptionRepository
	changes       database.ChangeRepository

	maxAttempts int
	baseBackoff time.Duration
	concurrency int

	// Injected in tests to avoid real waiting.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(
	registry *senders.Registry,
	notifications database.NotificationRepository,
	subscriptions database.SubscriptionRepository,
	changes database.ChangeRepository,
	maxAttempts int,
	concurrency int,
) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		registry:      registry,
		notifications: notifications,
		subscriptions: subscriptions,
		changes:       changes,
		maxAttempts:   maxAttempts,
		baseBackoff:   2 * time.Second,
		concurrency:   concurrency,
		sleep:         sleepCtx,
		now:           time.Now,
	}
}

// IdempotencyKey derives the stable delivery key for a
// (subscription, channel, change) triple.
func IdempotencyKey(subscriptionID, channelID, changeID string) string {
	sum := sha256.Sum256([]byte(subscriptionID + "|" + channelID + "|" + changeID))
	return hex.EncodeToString(sum[:])
}

// Dispatch delivers one change to all matched channels. The subscription
// quota is charged once per subscription regardless of how many channels it
// fans out to, and only when at least one delivery is actually initiated.
func (d *Dispatcher) Dispatch(ctx context.Context, change diff.Change, matches []subscription.Match) {
	if len(matches) == 0 {
		return
	}

	var mu sync.Mutex
	charged := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, match := range matches {
		g.Go(func() error {
			initiated := d.dispatchOne(gctx, change, match)
			if !initiated {
				return nil
			}
			mu.Lock()
			first := !charged[match.Subscription.ID]
			charged[match.Subscription.ID] = true
			mu.Unlock()
			if first {
				if err := d.subscriptions.IncrementQuota(match.Subscription.ID, d.now()); err != nil {
					slog.Error("Failed to charge subscription quota",
						"subscription", match.Subscription.Name, "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// dispatchOne creates (or resumes) the notification for one match and runs
// the delivery loop. Returns true when a delivery attempt was initiated.
func (d *Dispatcher) dispatchOne(ctx context.Context, change diff.Change, match subscription.Match) bool {
	now := d.now()
	record := &database.Notification{
		ID:             uuid.New().String(),
		SubscriptionID: match.Subscription.ID,
		ChannelID:      match.Channel.ID,
		ChangeID:       change.ID,
		IdempotencyKey: IdempotencyKey(match.Subscription.ID, match.Channel.ID, change.ID),
		Status:         database.NotificationStatusPending,
		CreatedAt:      now,
	}

	record, wasNew, err := d.notifications.Upsert(record)
	if err != nil {
		slog.Error("Failed to record notification",
			"subscription", match.Subscription.Name, "channel", match.Channel.ID, "error", err)
		return false
	}

	if !wasNew {
		switch {
		case record.Status == database.NotificationStatusSent:
			slog.Debug("Notification already delivered, skipping",
				"subscription", match.Subscription.Name, "channel", match.Channel.ID)
			return false
		case record.Status == database.NotificationStatusFailed:
			return false
		case record.NextRetryAt != nil && record.NextRetryAt.After(now):
			// A retry is already scheduled; the resume pass will pick it up.
			return false
		}
	}

	payload := buildChangePayload(match.Subscription.Name, change, now)
	d.deliver(ctx, record, match.Channel, payload)
	return wasNew
}

// deliver runs the attempt loop for one notification, persisting state after
// every attempt so an interrupted process can resume where it stopped.
func (d *Dispatcher) deliver(ctx context.Context, record *database.Notification, channel subscription.Channel, payload senders.Payload) {
	for record.Attempts < d.maxAttempts {
		record.Attempts++
		err := d.registry.Send(ctx, channel.Type, payload, channel)
		now := d.now()

		if err == nil {
			record.Status = database.NotificationStatusSent
			record.SentAt = &now
			record.NextRetryAt = nil
			record.Error = ""
			d.persist(record)
			d.recordChannelOutcome(channel.ID, true, "", now)
			slog.Info("Notification delivered",
				"channel", channel.ID, "type", channel.Type, "attempts", record.Attempts)
			return
		}

		d.recordChannelOutcome(channel.ID, false, err.Error(), now)

		if !senders.IsRetryable(err) {
			record.Status = database.NotificationStatusFailed
			record.NextRetryAt = nil
			record.Error = err.Error()
			d.persist(record)
			slog.Warn("Notification failed permanently",
				"channel", channel.ID, "type", channel.Type, "error", err)
			return
		}

		if record.Attempts >= d.maxAttempts {
			record.Status = database.NotificationStatusFailed
			record.NextRetryAt = nil
			record.Error = err.Error()
			d.persist(record)
			slog.Warn("Notification failed after retries",
				"channel", channel.ID, "type", channel.Type, "attempts", record.Attempts, "error", err)
			return
		}

		backoff := d.backoff(record.Attempts)
		retryAt := now.Add(backoff)
		record.NextRetryAt = &retryAt
		record.Error = err.Error()
		d.persist(record)
		slog.Debug("Notification send failed, retrying",
			"channel", channel.ID, "attempt", record.Attempts, "backoff", backoff, "error", err)

		if err := d.sleep(ctx, backoff); err != nil {
			return
		}
	}
}

// backoff returns the delay after the n-th failed attempt: 2s, 4s, 8s, ...
func (d *Dispatcher) backoff(attempt int) time.Duration {
	return d.baseBackoff << (attempt - 1)
}

func (d *Dispatcher) persist(record *database.Notification) {
	if err := d.notifications.Update(record); err != nil {
		slog.Error("Failed to persist notification state", "notification", record.ID, "error", err)
	}
}

func (d *Dispatcher) recordChannelOutcome(channelID string, success bool, sendErr string, now time.Time) {
	if err := d.subscriptions.UpdateChannelStats(channelID, success, sendErr, now); err != nil {
		slog.Error("Failed to update channel stats", "channel", channelID, "error", err)
	}
}

// DeliverDigest sends one aggregated payload to a channel, keyed by the
// digest period so a rescheduled run cannot double-send. sent reports whether
// the channel has the digest (now or from an earlier run); settled reports
// whether the delivery reached a terminal state. A permanently failed channel
// is settled: the digest window may advance past it so one dead channel never
// stalls the others.
func (d *Dispatcher) DeliverDigest(ctx context.Context, sub *subscription.Subscription, channel subscription.Channel, payload senders.Payload, periodKey string) (sent, settled bool) {
	now := d.now()
	digestRef := "digest:" + periodKey
	record := &database.Notification{
		ID:             uuid.New().String(),
		SubscriptionID: sub.ID,
		ChannelID:      channel.ID,
		ChangeID:       digestRef,
		IdempotencyKey: IdempotencyKey(sub.ID, channel.ID, digestRef),
		Status:         database.NotificationStatusPending,
		CreatedAt:      now,
	}

	record, wasNew, err := d.notifications.Upsert(record)
	if err != nil {
		slog.Error("Failed to record digest notification",
			"subscription", sub.Name, "channel", channel.ID, "error", err)
		return false, false
	}
	if !wasNew {
		switch record.Status {
		case database.NotificationStatusSent:
			return true, true
		case database.NotificationStatusFailed:
			return false, true
		}
	}

	d.deliver(ctx, record, channel, payload)
	switch record.Status {
	case database.NotificationStatusSent:
		return true, true
	case database.NotificationStatusFailed:
		return false, true
	default:
		// Interrupted mid-retry; the record stays pending and the next run
		// resumes it under the same period key.
		return false, false
	}
}

// ResumePending re-drives pending notifications whose retry time has passed,
// typically after a restart cut a delivery loop short. Records whose change
// or channel no longer exists are marked failed.
func (d *Dispatcher) ResumePending(ctx context.Context, limit int) error {
	pending, err := d.notifications.ListDuePending(d.now(), limit)
	if err != nil {
		return fmt.Errorf("failed to list pending notifications: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	subs, err := d.subscriptions.LoadActive()
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}
	channels := make(map[string]channelContext, len(subs))
	for _, sub := range subs {
		for _, ch := range sub.Channels {
			channels[ch.ID] = channelContext{subscription: sub, channel: ch}
		}
	}

	slog.Info("Resuming pending notifications", "count", len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, record := range pending {
		g.Go(func() error {
			d.resumeOne(gctx, record, channels)
			return nil
		})
	}
	g.Wait()
	return nil
}

type channelContext struct {
	subscription *subscription.Subscription
	channel      subscription.Channel
}

func (d *Dispatcher) resumeOne(ctx context.Context, record *database.Notification, channels map[string]channelContext) {
	// Digest deliveries are not resumed: last_digest_at only advances on
	// success, so an interrupted digest's changes reappear in the next run.
	if strings.HasPrefix(record.ChangeID, "digest:") {
		return
	}

	cc, ok := channels[record.ChannelID]
	if !ok {
		record.Status = database.NotificationStatusFailed
		record.Error = "channel no longer configured"
		d.persist(record)
		return
	}

	change, err := d.changes.Get(record.ChangeID)
	if err != nil || change == nil {
		record.Status = database.NotificationStatusFailed
		record.Error = "originating change not found"
		d.persist(record)
		return
	}

	payload := buildChangePayload(cc.subscription.Name, *change, d.now())
	d.deliver(ctx, record, cc.channel, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
