package digest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/dispatch"
	"github.com/regwatch/regwatch/app/senders"
	"github.com/regwatch/regwatch/app/subscription"
)

type digestEnv struct {
	scheduler     *Scheduler
	subscriptions database.SubscriptionRepository
	changes       database.ChangeRepository

	mu       sync.Mutex
	payloads []senders.Payload
}

func setupDigest(t *testing.T) *digestEnv {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	env := &digestEnv{
		subscriptions: database.NewSubscriptionRepository(db),
		changes:       database.NewChangeRepository(db),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload senders.Payload
		json.Unmarshal(body, &payload)
		env.mu.Lock()
		env.payloads = append(env.payloads, payload)
		env.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	sub := &subscription.Subscription{
		ID:     "sub-1",
		Name:   "daily-digest",
		Filter: subscription.Filter{ServerPattern: "server*"},
		Status: subscription.StatusActive,
		Digest: true,
		Quota:  subscription.Quota{Limit: 100, Window: 24 * time.Hour},
		Channels: []subscription.Channel{
			{
				ID:      "sub-1-ch1",
				Type:    subscription.ChannelTypeWebhook,
				Config:  subscription.ChannelConfig{Webhook: &subscription.WebhookConfig{URL: server.URL}},
				Enabled: true,
			},
		},
	}
	if err := env.subscriptions.Sync([]*subscription.Subscription{sub}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	registry := senders.NewRegistry()
	registry.Register(senders.NewWebhookSender(5*time.Second), 1000, 1000)
	dispatcher := dispatch.NewDispatcher(registry,
		database.NewNotificationRepository(db), env.subscriptions, env.changes, 1, 4)

	env.scheduler = NewScheduler(subscription.NewMatcher(), dispatcher,
		env.subscriptions, env.changes, "0 8 * * *")
	return env
}

func insertChanges(t *testing.T, repo database.ChangeRepository, changes ...diff.Change) {
	t.Helper()
	if err := repo.Insert(changes); err != nil {
		t.Fatalf("Insert changes failed: %v", err)
	}
}

func (e *digestEnv) delivered() []senders.Payload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]senders.Payload(nil), e.payloads...)
}

func TestScheduler_AggregatesChangesIntoOneDigest(t *testing.T) {
	env := setupDigest(t)

	now := time.Now().UTC()
	insertChanges(t, env.changes,
		diff.Change{ID: "c-1", ServerName: "serverA", Type: diff.ChangeTypeNew, NewVersion: "1.0.0", DetectedAt: now.Add(-2 * time.Hour)},
		diff.Change{ID: "c-2", ServerName: "serverB", Type: diff.ChangeTypeUpdated, PreviousVersion: "1.0.0", NewVersion: "1.1.0", DetectedAt: now.Add(-time.Hour)},
		diff.Change{ID: "c-3", ServerName: "unrelated", Type: diff.ChangeTypeNew, DetectedAt: now.Add(-time.Hour)},
	)

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	delivered := env.delivered()
	if len(delivered) != 1 {
		t.Fatalf("expected exactly 1 digest delivery, got %d", len(delivered))
	}
	digest := delivered[0]
	if len(digest.Changes) != 2 {
		t.Errorf("expected 2 matching changes in digest, got %d", len(digest.Changes))
	}
	if digest.Subscription != "daily-digest" {
		t.Errorf("unexpected subscription name: %s", digest.Subscription)
	}

	subs, _ := env.subscriptions.LoadActive()
	if subs[0].LastDigestAt == nil {
		t.Error("expected last digest time advanced after delivery")
	}
	if subs[0].Quota.Count != 1 {
		t.Errorf("expected digest charged once against quota, got %d", subs[0].Quota.Count)
	}
}

func TestScheduler_RepeatRunDeliversNothingNew(t *testing.T) {
	env := setupDigest(t)

	now := time.Now().UTC()
	insertChanges(t, env.changes,
		diff.Change{ID: "c-1", ServerName: "serverA", Type: diff.ChangeTypeNew, DetectedAt: now.Add(-time.Hour)},
	)

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce failed: %v", err)
	}
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}

	if len(env.delivered()) != 1 {
		t.Errorf("expected a single digest across repeated runs, got %d", len(env.delivered()))
	}
}

func TestScheduler_EmptyDigestNotSent(t *testing.T) {
	env := setupDigest(t)

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if len(env.delivered()) != 0 {
		t.Errorf("expected no digest for an empty period, got %d", len(env.delivered()))
	}

	// The window still advances so the next run does not re-scan.
	subs, _ := env.subscriptions.LoadActive()
	if subs[0].LastDigestAt == nil {
		t.Error("expected window advanced even without changes")
	}
}

func TestScheduler_NewChangesAfterDigestGoIntoNextOne(t *testing.T) {
	env := setupDigest(t)

	now := time.Now().UTC()
	insertChanges(t, env.changes,
		diff.Change{ID: "c-1", ServerName: "serverA", Type: diff.ChangeTypeNew, DetectedAt: now.Add(-time.Hour)},
	)
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce failed: %v", err)
	}

	insertChanges(t, env.changes,
		diff.Change{ID: "c-2", ServerName: "serverB", Type: diff.ChangeTypeRemoved, DetectedAt: time.Now().UTC().Add(time.Second)},
	)
	env.scheduler.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}

	delivered := env.delivered()
	if len(delivered) != 2 {
		t.Fatalf("expected 2 digests, got %d", len(delivered))
	}
	second := delivered[1]
	if len(second.Changes) != 1 || second.Changes[0].ServerName != "serverB" {
		t.Errorf("second digest should carry only the new change: %+v", second.Changes)
	}
}

func TestScheduler_RespectsChangeTypeFilter(t *testing.T) {
	env := setupDigest(t)

	subs, err := env.subscriptions.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	sub := subs[0]
	sub.Filter.NotifyOn = []diff.ChangeType{diff.ChangeTypeRemoved}
	if err := env.subscriptions.Sync([]*subscription.Subscription{sub}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	now := time.Now().UTC()
	insertChanges(t, env.changes,
		diff.Change{ID: "c-1", ServerName: "serverA", Type: diff.ChangeTypeNew, DetectedAt: now.Add(-time.Hour)},
		diff.Change{ID: "c-2", ServerName: "serverB", Type: diff.ChangeTypeRemoved, DetectedAt: now.Add(-time.Hour)},
	)

	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	delivered := env.delivered()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(delivered))
	}
	if len(delivered[0].Changes) != 1 || delivered[0].Changes[0].Type != diff.ChangeTypeRemoved {
		t.Errorf("expected only the removal in the digest: %+v", delivered[0].Changes)
	}
}

func TestScheduler_DeadChannelDoesNotStallDigests(t *testing.T) {
	env := setupDigest(t)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer dead.Close()

	subs, err := env.subscriptions.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	sub := subs[0]
	sub.Channels = append(sub.Channels, subscription.Channel{
		ID:             "sub-1-ch2",
		SubscriptionID: sub.ID,
		Type:           subscription.ChannelTypeWebhook,
		Config:         subscription.ChannelConfig{Webhook: &subscription.WebhookConfig{URL: dead.URL}},
		Enabled:        true,
	})
	if err := env.subscriptions.Sync([]*subscription.Subscription{sub}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	now := time.Now().UTC()
	insertChanges(t, env.changes,
		diff.Change{ID: "c-1", ServerName: "serverA", Type: diff.ChangeTypeNew, DetectedAt: now.Add(-time.Hour)},
	)
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce failed: %v", err)
	}

	// The permanently failing channel settles, so the window still advances.
	subs, _ = env.subscriptions.LoadActive()
	if subs[0].LastDigestAt == nil || subs[0].LastDigestAt.Before(now.Add(-time.Minute)) {
		t.Fatalf("expected window advanced past the dead channel, got %v", subs[0].LastDigestAt)
	}

	insertChanges(t, env.changes,
		diff.Change{ID: "c-2", ServerName: "serverB", Type: diff.ChangeTypeNew, DetectedAt: time.Now().UTC().Add(time.Second)},
	)
	env.scheduler.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}

	delivered := env.delivered()
	if len(delivered) != 2 {
		t.Fatalf("expected the healthy channel to receive both digests, got %d", len(delivered))
	}
	if len(delivered[1].Changes) != 1 || delivered[1].Changes[0].ServerName != "serverB" {
		t.Errorf("second digest should carry only the new change: %+v", delivered[1].Changes)
	}
}

func TestScheduler_PartialFailureKeepsPeriodKeyStable(t *testing.T) {
	db, err := database.NewConnection(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	subscriptions := database.NewSubscriptionRepository(db)
	changes := database.NewChangeRepository(db)

	var healthyHits atomic.Int64
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(healthy.Close)
	// Slower than the sender timeout, so every attempt fails as retryable.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	sub := &subscription.Subscription{
		ID:     "sub-1",
		Name:   "daily-digest",
		Filter: subscription.Filter{ServerPattern: "server*"},
		Status: subscription.StatusActive,
		Digest: true,
		Channels: []subscription.Channel{
			{
				ID:      "sub-1-ch1",
				Type:    subscription.ChannelTypeWebhook,
				Config:  subscription.ChannelConfig{Webhook: &subscription.WebhookConfig{URL: healthy.URL}},
				Enabled: true,
			},
			{
				ID:      "sub-1-ch2",
				Type:    subscription.ChannelTypeWebhook,
				Config:  subscription.ChannelConfig{Webhook: &subscription.WebhookConfig{URL: slow.URL}},
				Enabled: true,
			},
		},
	}
	if err := subscriptions.Sync([]*subscription.Subscription{sub}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	registry := senders.NewRegistry()
	registry.Register(senders.NewWebhookSender(100*time.Millisecond), 1000, 1000)
	dispatcher := dispatch.NewDispatcher(registry,
		database.NewNotificationRepository(db), subscriptions, changes, 2, 4)
	scheduler := NewScheduler(subscription.NewMatcher(), dispatcher, subscriptions, changes, "0 8 * * *")

	insertChanges(t, changes,
		diff.Change{ID: "c-1", ServerName: "serverA", Type: diff.ChangeTypeNew, DetectedAt: time.Now().UTC().Add(-time.Hour)},
	)

	// First run is cut short while the slow channel backs off, leaving its
	// record pending.
	runCtx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	if err := scheduler.RunOnce(runCtx); err != nil {
		t.Fatalf("first RunOnce failed: %v", err)
	}
	if healthyHits.Load() != 1 {
		t.Fatalf("expected 1 delivery to the healthy channel, got %d", healthyHits.Load())
	}

	subs, _ := subscriptions.LoadActive()
	anchor := subs[0].LastDigestAt
	if anchor == nil {
		t.Fatal("expected the first period anchored before dispatch")
	}
	if anchor.After(time.Now().Add(-23 * time.Hour)) {
		t.Errorf("expected anchor at the period start, got %v", anchor)
	}

	// The retry reuses the anchored period key, so the healthy channel is
	// skipped by its sent record instead of receiving a duplicate.
	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if healthyHits.Load() != 1 {
		t.Errorf("healthy channel received the digest %d times, want 1", healthyHits.Load())
	}

	subs, _ = subscriptions.LoadActive()
	if subs[0].LastDigestAt.Equal(*anchor) {
		t.Error("expected window advanced once the period settled")
	}
}

func TestScheduler_InvalidScheduleRejected(t *testing.T) {
	env := setupDigest(t)
	env.scheduler.schedule = "not a cron expression"

	if err := env.scheduler.Start(context.Background()); err == nil {
		t.Error("expected an error for an invalid schedule")
	}
}
