package forum

import (
	"errors"
	"fmt"
)

// TransientFetchError marks a network-level failure (timeout, connection
// reset, upstream throttling) that should be retried with backoff and then
// deferred to a later planning cycle, never treated as fatal.
type TransientFetchError struct {
	Target string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s: %v", e.Target, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// ErrNotExist signals that the requested remote entity does not exist on the
// forum. Discovery and gap-scan probes hit this constantly; it is an
// expected outcome, not a failure.
var ErrNotExist = errors.New("remote entity does not exist")

// MalformedSnapshotError marks fetched data that fails shape validation.
// The affected target is skipped and logged; it must never reach the store.
type MalformedSnapshotError struct {
	Kind   Kind
	Reason string
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed %s snapshot: %s", e.Kind, e.Reason)
}

// ReferentialGapError marks a child entity observed before its parent. The
// reconciler's parent-before-child ordering makes this unreachable in normal
// operation; if it surfaces, the caller must fetch the parent or defer the
// child rather than write a dangling reference.
type ReferentialGapError struct {
	Kind      Kind
	ID        int64
	Missing   Kind
	MissingID int64
}

func (e *ReferentialGapError) Error() string {
	return fmt.Sprintf("%s %d references unknown %s %d", e.Kind, e.ID, e.Missing, e.MissingID)
}

// StoreWriteError marks a durability failure. It is fatal for the current
// unit of work: the unit is retried whole or the crawl halts, never
// partially committed.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write failed during %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
