package chat

import "fmt"

// PersistenceError reports a checkpoint that failed after all retries.
// The in-memory store stays authoritative; the failed batch is requeued
// for the next flush.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
