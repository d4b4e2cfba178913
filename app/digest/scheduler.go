package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/dispatch"
	"github.com/regwatch/regwatch/app/subscription"
)

// Scheduler batches accumulated changes for digest-mode subscriptions on a
// cron schedule. A digest covers everything detected since the
// subscription's last digest; last_digest_at only advances when every
// enabled channel has settled (delivered or failed permanently), so an
// interrupted run re-covers the same window while a dead channel cannot
// stall the rest.
type Scheduler struct {
	cron          *cron.Cron
	matcher       *subscription.Matcher
	dispatcher    *dispatch.Dispatcher
	subscriptions database.SubscriptionRepository
	changes       database.ChangeRepository
	schedule      string

	now func() time.Time
}

// defaultLookback bounds the first digest of a subscription that has never
// had one.
const defaultLookback = 24 * time.Hour

func NewScheduler(
	matcher *subscription.Matcher,
	dispatcher *dispatch.Dispatcher,
	subscriptions database.SubscriptionRepository,
	changes database.ChangeRepository,
	schedule string,
) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		matcher:       matcher,
		dispatcher:    dispatcher,
		subscriptions: subscriptions,
		changes:       changes,
		schedule:      schedule,
		now:           time.Now,
	}
}

// Start registers the cron entry and begins scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			slog.Error("Digest run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register digest schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("Digest scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running digest to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("Digest scheduler stopped")
}

// RunOnce builds and delivers digests for all digest-mode subscriptions.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	subs, err := s.subscriptions.LoadActive()
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	now := s.now()
	for _, sub := range subs {
		if !sub.Digest {
			continue
		}
		if err := s.runSubscription(ctx, sub, now); err != nil {
			slog.Error("Digest delivery failed", "subscription", sub.Name, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) runSubscription(ctx context.Context, sub *subscription.Subscription, now time.Time) error {
	since := now.Add(-defaultLookback)
	if sub.LastDigestAt != nil {
		since = *sub.LastDigestAt
	}

	all, err := s.changes.ListSince(since)
	if err != nil {
		return fmt.Errorf("failed to list changes since %s: %w", since, err)
	}

	relevant := s.filter(sub, all)
	if len(relevant) == 0 {
		// Nothing to report; advance the window so the next digest does
		// not re-scan an empty period.
		return s.subscriptions.SetLastDigest(sub.ID, now)
	}

	if ok, _ := sub.Quota.Remaining(now); !ok {
		slog.Debug("Digest skipped, subscription quota exhausted", "subscription", sub.Name)
		return nil
	}

	channels := sub.EnabledChannels()
	if len(channels) == 0 {
		return nil
	}

	// The first period has no stored anchor. Persist one before dispatching
	// so a partial failure retries under the same period key instead of
	// re-sending to channels that already received the digest.
	if sub.LastDigestAt == nil {
		if err := s.subscriptions.SetLastDigest(sub.ID, since); err != nil {
			return fmt.Errorf("failed to anchor digest period: %w", err)
		}
	}

	payload := dispatch.BuildDigestPayload(sub.Name, relevant, now)
	periodKey := since.UTC().Format(time.RFC3339Nano)

	delivered := 0
	allSettled := true
	for _, channel := range channels {
		sent, settled := s.dispatcher.DeliverDigest(ctx, sub, channel, payload, periodKey)
		if sent {
			delivered++
		}
		if !settled {
			allSettled = false
		}
	}

	if !allSettled {
		// Keep the window open; already-delivered channels are skipped by
		// their idempotency keys on the next run.
		return fmt.Errorf("digest partially delivered, window kept open")
	}

	if delivered > 0 {
		if err := s.subscriptions.IncrementQuota(sub.ID, now); err != nil {
			slog.Error("Failed to charge digest quota", "subscription", sub.Name, "error", err)
		}
		slog.Info("Digest delivered",
			"subscription", sub.Name, "changes", len(relevant), "channels", delivered)
	}
	return s.subscriptions.SetLastDigest(sub.ID, now)
}

// filter keeps the changes this subscription's pattern and change-type
// filter select.
func (s *Scheduler) filter(sub *subscription.Subscription, changes []diff.Change) []diff.Change {
	var out []diff.Change
	for _, change := range changes {
		if !typeWanted(sub.Filter.NotifyOn, change.Type) {
			continue
		}
		if !s.matcher.MatchesPattern(sub, change.ServerName) {
			continue
		}
		out = append(out, change)
	}
	return out
}

func typeWanted(notifyOn []diff.ChangeType, changeType diff.ChangeType) bool {
	if len(notifyOn) == 0 {
		return true
	}
	for _, t := range notifyOn {
		if t == changeType {
			return true
		}
	}
	return false
}
