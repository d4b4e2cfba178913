package registry

import "fmt"

// TransientFetchError indicates the registry was unreachable, timed out, or
// returned a server-side error. The caller retries on the next poll tick; the
// client itself never retries.
type TransientFetchError struct {
	Status int
	Cause  error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registry: transient fetch failure (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("registry: transient fetch failure: %v", e.Cause)
}

func (e *TransientFetchError) Unwrap() error { return e.Cause }

// MalformedResponseError indicates the registry returned a payload that could
// not be parsed into the listing format.
type MalformedResponseError struct {
	Cause error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("registry: malformed response: %v", e.Cause)
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }
