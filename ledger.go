package leasecron

import (
	"context"
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of a job occurrence in the ledger.
type ExecutionStatus string

// The different states an execution record moves through.
const (
	StatusStarted   ExecutionStatus = "STARTED"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// IsTerminal returns true once the occurrence has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ExecutionRecord represents one run (finished or in flight) of a job
// occurrence.
type ExecutionRecord struct {
	// ExecutionID is derived from JobName and Occurrence, see ExecutionID.
	ExecutionID string

	JobName string

	// Occurrence is the scheduled fire time of the run, not the wall clock
	// at which it actually started.
	Occurrence time.Time

	// HolderID and FencingToken identify the lease holder that inserted
	// the record. Updates must present the same token.
	HolderID     string
	FencingToken int64

	Status ExecutionStatus

	StartedAt time.Time

	// CompletedAt is zero until the record reaches a terminal status.
	CompletedAt time.Time

	// Error holds the failure message of a FAILED run.
	Error string
}

// ExecutionUpdate represents the fields written when an occurrence finishes.
type ExecutionUpdate struct {
	// FencingToken must match the token stored on the record.
	FencingToken int64

	Status      ExecutionStatus
	CompletedAt time.Time
	Error       string
}

// Ledger records execution ids so that a second attempt at the same
// occurrence is detected instead of re-executed.
//
// InsertIfAbsent must be backed by a uniqueness constraint on ExecutionID
// in the shared store; an in-process check is not enough.
type Ledger interface {
	// InsertIfAbsent stores rec unless a record with the same ExecutionID
	// already exists. inserted == false with a nil error means the
	// occurrence was already run or is running.
	InsertIfAbsent(ctx context.Context, rec ExecutionRecord) (inserted bool, err error)

	// Update writes the terminal state of an execution. It returns
	// ErrRecordNotOwned when no record with executionID carries
	// update.FencingToken.
	Update(ctx context.Context, executionID string, update ExecutionUpdate) error

	// Get returns the record stored for executionID.
	Get(ctx context.Context, executionID string) (rec ExecutionRecord, ok bool, err error)
}

// ExecutionID returns the deterministic idempotency key of the occurrence
// of jobName scheduled at occurrence. Every instance computes the same id
// for the same occurrence regardless of which one wins the lease.
func ExecutionID(jobName string, occurrence time.Time) string {
	return fmt.Sprintf("%s@%s", jobName, occurrence.UTC().Format(time.RFC3339Nano))
}
