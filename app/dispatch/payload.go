package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/regwatch/regwatch/app/diff"
	"github.com/regwatch/regwatch/app/senders"
)

// buildChangePayload renders a single change into the channel-independent
// message shape.
func buildChangePayload(subscriptionName string, change diff.Change, now time.Time) senders.Payload {
	return senders.Payload{
		Subscription: subscriptionName,
		Title:        changeTitle(change),
		Body:         changeBody(change),
		Changes:      []diff.Change{change},
		GeneratedAt:  now,
	}
}

// BuildDigestPayload aggregates a batch of changes into one message, ordered
// as given. Used by the digest scheduler.
func BuildDigestPayload(subscriptionName string, changes []diff.Change, now time.Time) senders.Payload {
	var b strings.Builder
	for i, change := range changes {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(changeTitle(change))
	}
	return senders.Payload{
		Subscription: subscriptionName,
		Title:        fmt.Sprintf("%d registry change(s) for %s", len(changes), subscriptionName),
		Body:         b.String(),
		Changes:      changes,
		GeneratedAt:  now,
	}
}

func changeTitle(change diff.Change) string {
	switch change.Type {
	case diff.ChangeTypeNew:
		return fmt.Sprintf("%s registered (version %s)", change.ServerName, change.NewVersion)
	case diff.ChangeTypeRemoved:
		return fmt.Sprintf("%s removed from registry", change.ServerName)
	default:
		if change.PreviousVersion != change.NewVersion {
			return fmt.Sprintf("%s updated %s -> %s", change.ServerName, change.PreviousVersion, change.NewVersion)
		}
		return fmt.Sprintf("%s updated", change.ServerName)
	}
}

func changeBody(change diff.Change) string {
	if len(change.FieldChanges) == 0 {
		return ""
	}
	var b strings.Builder
	for i, fc := range change.FieldChanges {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %q -> %q", fc.Field, fc.OldValue, fc.NewValue)
	}
	return b.String()
}
