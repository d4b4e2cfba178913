package database

import "fmt"

// PersistenceError indicates the store could not complete an operation. A
// poll cycle that hits one aborts; the process keeps running and retries on
// the next tick.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
