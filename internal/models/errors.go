package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an operation references a job that does
	// not exist in the store.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status update would move a job
	// backward or out of a terminal state. It indicates a logic error
	// upstream, not a condition to retry.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// QuotaError rejects a job creation attempt. It carries enough detail for
// the caller to present a wait time to the end user.
type QuotaError struct {
	Action    string
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for action %q: %d remaining, resets at %s",
		e.Action, e.Remaining, e.ResetAt.UTC().Format(time.RFC3339))
}
