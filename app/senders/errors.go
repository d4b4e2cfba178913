package senders

import "fmt"

// SendError is returned by every sender. Retryable distinguishes transient
// delivery failures (network errors, 5xx responses) from permanent ones
// (4xx responses, bad configuration); the dispatcher only schedules retries
// for the former.
type SendError struct {
	Channel   string
	Retryable bool
	Cause     error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s send failed (%s): %v", e.Channel, kind, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

func retryableErr(channel string, cause error) *SendError {
	return &SendError{Channel: channel, Retryable: true, Cause: cause}
}

func permanentErr(channel string, cause error) *SendError {
	return &SendError{Channel: channel, Retryable: false, Cause: cause}
}

// IsRetryable reports whether the dispatcher should schedule another attempt
// for err. Unknown error types are treated as transient.
func IsRetryable(err error) bool {
	if sendErr, ok := err.(*SendError); ok {
		return sendErr.Retryable
	}
	return true
}
