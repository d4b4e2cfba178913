package subscription

import "fmt"

// MatchError marks a subscription whose pattern could not be evaluated. It is
// logged and the subscription is skipped; it is never raised to the caller so
// a malformed subscription cannot block matching for others.
type MatchError struct {
	Subscription string
	Pattern      string
	Cause        error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("subscription %s: invalid pattern %q: %v", e.Subscription, e.Pattern, e.Cause)
}

func (e *MatchError) Unwrap() error { return e.Cause }
