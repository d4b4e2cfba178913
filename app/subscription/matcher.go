package subscription

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/regwatch/regwatch/app/diff"
)

// Match is one (subscription, channel) delivery pair produced by the Matcher.
type Match struct {
	Subscription *Subscription
	Channel      Channel
}

// Matcher filters subscriptions against a Change using pattern rules,
// change-type filters, and per-subscription rate quotas. Subscriptions with
// unparsable patterns are marked invalid on first evaluation and skipped from
// then on; the failure never propagates to the caller.
type Matcher struct {
	mu      sync.Mutex
	invalid map[string]bool

	regexCache map[string]*regexp.Regexp
}

func NewMatcher() *Matcher {
	return &Matcher{
		invalid:    make(map[string]bool),
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Run resolves the (subscription, channel) pairs a change must be delivered
// through. Digest-mode subscriptions are excluded: their changes are
// aggregated by the digest scheduler instead of dispatched per change.
func (m *Matcher) Run(change diff.Change, subscriptions []*Subscription, now time.Time) []Match {
	var matches []Match

	for _, sub := range subscriptions {
		if sub.Status != StatusActive {
			continue
		}
		if sub.Digest {
			continue
		}
		if !typeWanted(sub.Filter.NotifyOn, change.Type) {
			continue
		}
		if !m.patternMatches(sub, change.ServerName) {
			continue
		}

		if ok, count := sub.Quota.Remaining(now); !ok {
			slog.Debug("Subscription quota exhausted, skipping",
				"subscription", sub.Name, "count", count, "limit", sub.Quota.Limit)
			continue
		}

		for _, channel := range sub.EnabledChannels() {
			matches = append(matches, Match{Subscription: sub, Channel: channel})
		}
	}

	return matches
}

// MatchesPattern reports whether a server name satisfies a subscription's
// pattern. Used directly by the digest scheduler, which applies its own
// change-type and status filtering.
func (m *Matcher) MatchesPattern(sub *Subscription, serverName string) bool {
	return m.patternMatches(sub, serverName)
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

func (m *Matcher) patternMatches(sub *Subscription, serverName string) bool {
	m.mu.Lock()
	if m.invalid[sub.ID] {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	if sub.Filter.IsRegex {
		re, err := m.compile(sub.Filter.ServerPattern)
		if err != nil {
			m.markInvalid(sub, err)
			return false
		}
		return re.MatchString(serverName)
	}

	matched, err := doublestar.Match(flattenSeparators(sub.Filter.ServerPattern), flattenSeparators(serverName))
	if err != nil {
		m.markInvalid(sub, err)
		return false
	}
	return matched
}

// Registry names may contain '/', which doublestar treats as a path
// separator that '*' will not cross. Names are flat identifiers here, so the
// separator is mapped to a plain byte before matching.
func flattenSeparators(s string) string {
	return strings.ReplaceAll(s, "/", "\x1f")
}

// compile builds a full-string anchored regexp for the pattern, caching the
// result across matches.
func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.Lock()
	re, ok := m.regexCache[pattern]
	m.mu.Unlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.regexCache[pattern] = re
	m.mu.Unlock()
	return re, nil
}

func (m *Matcher) markInvalid(sub *Subscription, cause error) {
	m.mu.Lock()
	already := m.invalid[sub.ID]
	m.invalid[sub.ID] = true
	m.mu.Unlock()

	if !already {
		matchErr := &MatchError{Subscription: sub.Name, Pattern: sub.Filter.ServerPattern, Cause: cause}
		slog.Error("Subscription marked invalid", "subscription", sub.Name, "pattern", sub.Filter.ServerPattern, "error", matchErr)
	}
}
