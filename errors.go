package leasecron

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost is the cancellation cause seen by a job body whose lease
	// could not be renewed. Continuing to run is unsafe once it is observed.
	ErrLeaseLost = errors.New("leasecron: lease lost")

	// ErrStoreUnavailable wraps failures and timeouts of the lease store or
	// the ledger. The attempt fails closed; the next occurrence retries.
	ErrStoreUnavailable = errors.New("leasecron: store unavailable")

	// ErrPanicRecovered is returned when a job body panicked.
	ErrPanicRecovered = errors.New("leasecron: recovered from panic")

	// ErrRecordNotOwned is returned by Ledger.Update when the record does
	// not exist or was inserted under another fencing token.
	ErrRecordNotOwned = errors.New("leasecron: execution record not owned by fencing token")

	// ErrUnknownJob is returned by Scheduler.Fire for unregistered names.
	ErrUnknownJob = errors.New("leasecron: unknown job")
)

// JobError is handed to Config.OnError when an occurrence did not execute
// cleanly on this instance.
type JobError struct {
	JobName     string
	ExecutionID string
	Outcome     Outcome
	Err         error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %q execution %s %s: %v", e.JobName, e.ExecutionID, e.Outcome, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
