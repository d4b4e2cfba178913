package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regwatch/regwatch/app/cache"
	"github.com/regwatch/regwatch/app/database"
	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/dispatch"
	"github.com/regwatch/regwatch/app/registry"
	"github.com/regwatch/regwatch/app/subscription"
)

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateDiffing     State = "diffing"
	StateMatching    State = "matching"
	StateDispatching State = "dispatching"
)

// Status is a point-in-time view of the poll loop for the stats endpoint.
type Status struct {
	State       State      `json:"state"`
	LastPollAt  *time.Time `json:"last_poll_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	PollCount   int        `json:"poll_count"`
	ChangeCount int        `json:"change_count"`
}

// Fetcher fetches the current registry listing.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]registry.ServerRecord, string, error)
}

// Poller drives the fetch-diff-match-dispatch cycle on a fixed interval.
// Cycles never overlap: a tick or manual trigger arriving while a cycle runs
// is dropped.
type Poller struct {
	fetcher       Fetcher
	engine        *diff.Engine
	matcher       *subscription.Matcher
	dispatcher    *dispatch.Dispatcher
	snapshots     database.SnapshotRepository
	changes       database.ChangeRepository
	subscriptions database.SubscriptionRepository
	cache         *cache.Cache

	interval time.Duration
	trigger  chan struct{}

	runMu sync.Mutex

	statusMu sync.Mutex
	status   Status

	now func() time.Time
}

func New(
	fetcher Fetcher,
	engine *diff.Engine,
	matcher *subscription.Matcher,
	dispatcher *dispatch.Dispatcher,
	snapshots database.SnapshotRepository,
	changes database.ChangeRepository,
	subscriptions database.SubscriptionRepository,
	hashCache *cache.Cache,
	interval time.Duration,
) *Poller {
	return &Poller{
		fetcher:       fetcher,
		engine:        engine,
		matcher:       matcher,
		dispatcher:    dispatcher,
		snapshots:     snapshots,
		changes:       changes,
		subscriptions: subscriptions,
		cache:         hashCache,
		interval:      interval,
		trigger:       make(chan struct{}, 1),
		status:        Status{State: StateIdle},
		now:           time.Now,
	}
}

// Run blocks until ctx is cancelled, polling on the configured interval and
// on manual triggers.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("Poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Poller stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-p.trigger:
			p.RunOnce(ctx)
		}
	}
}

// Trigger requests an immediate poll. No-op when a trigger is already queued.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// RunOnce executes a single poll cycle. Returns immediately when a cycle is
// already in flight.
func (p *Poller) RunOnce(ctx context.Context) {
	if !p.runMu.TryLock() {
		slog.Debug("Poll cycle already in progress, skipping")
		return
	}
	defer p.runMu.Unlock()

	err := p.poll(ctx)

	now := p.now()
	p.statusMu.Lock()
	p.status.State = StateIdle
	p.status.LastPollAt = &now
	p.status.PollCount++
	if err != nil {
		p.status.LastError = err.Error()
	} else {
		p.status.LastError = ""
	}
	p.statusMu.Unlock()
}

func (p *Poller) poll(ctx context.Context) error {
	p.setState(StateFetching)

	entries, hash, err := p.fetcher.Fetch(ctx)
	if err != nil {
		var transient *registry.TransientFetchError
		if errors.As(err, &transient) {
			slog.Warn("Registry fetch failed, will retry next cycle", "error", err)
		} else {
			slog.Error("Registry returned an unusable response", "error", err)
		}
		return err
	}

	// Fast path: an unchanged content hash means no new snapshot and no
	// diffing. The Redis check is advisory; the stored snapshot decides.
	if p.cache != nil && p.cache.GetSnapshotHash(ctx) == hash {
		slog.Debug("Registry content unchanged (cached hash)", "hash", hash)
		return nil
	}

	previous, err := p.snapshots.LoadLatest()
	if err != nil {
		slog.Error("Failed to load latest snapshot, aborting cycle", "error", err)
		return err
	}

	if previous != nil && previous.ContentHash == hash {
		slog.Debug("Registry content unchanged", "hash", hash)
		p.cacheHash(ctx, hash)
		return nil
	}

	p.setState(StateDiffing)

	var oldEntries map[string]registry.ServerRecord
	if previous != nil {
		oldEntries = previous.Entries
	}
	changes := p.engine.Run(oldEntries, entries)

	snapshot := &registry.Snapshot{
		ID:          uuid.New().String(),
		Timestamp:   p.now(),
		ContentHash: hash,
		Entries:     entries,
	}
	for i := range changes {
		changes[i].ID = uuid.New().String()
		changes[i].SnapshotID = snapshot.ID
		changes[i].DetectedAt = snapshot.Timestamp
	}

	// Snapshot and changes must land before any notification goes out; a
	// storage failure aborts the cycle so nothing is dispatched for state
	// that was never recorded.
	if err := p.snapshots.Save(snapshot); err != nil {
		slog.Error("Failed to persist snapshot, aborting cycle", "error", err)
		return err
	}
	if err := p.changes.Insert(changes); err != nil {
		slog.Error("Failed to persist changes, aborting cycle", "error", err)
		return err
	}
	p.cacheHash(ctx, hash)

	slog.Info("Registry snapshot recorded",
		"snapshot", snapshot.ID, "servers", len(entries), "changes", len(changes))

	p.statusMu.Lock()
	p.status.ChangeCount += len(changes)
	p.statusMu.Unlock()

	if len(changes) == 0 {
		return nil
	}

	p.setState(StateMatching)

	subs, err := p.subscriptions.LoadActive()
	if err != nil {
		slog.Error("Failed to load subscriptions, changes recorded but not dispatched", "error", err)
		return err
	}

	p.setState(StateDispatching)

	for _, change := range changes {
		matches := p.matcher.Run(change, subs, p.now())
		if len(matches) == 0 {
			continue
		}
		p.dispatcher.Dispatch(ctx, change, matches)

		// Quota counters moved; reload so later changes in this batch see
		// the charge.
		subs, err = p.subscriptions.LoadActive()
		if err != nil {
			slog.Error("Failed to reload subscriptions mid-dispatch", "error", err)
			return err
		}
	}

	return nil
}

func (p *Poller) cacheHash(ctx context.Context, hash string) {
	if p.cache != nil {
		p.cache.SetSnapshotHash(ctx, hash)
	}
}

func (p *Poller) setState(s State) {
	p.statusMu.Lock()
	p.status.State = s
	p.statusMu.Unlock()
}

// Status returns a copy of the current poller status.
func (p *Poller) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

// WaitIdle blocks until no poll cycle is in flight or ctx is done. Used at
// shutdown to let in-flight deliveries finish before their context is
// cancelled and they are abandoned as pending.
func (p *Poller) WaitIdle(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.runMu.TryLock() {
			p.runMu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
