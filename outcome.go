package leasecron

import "fmt"

// Outcome is the result of one guarded attempt at a job occurrence on one
// instance.
type Outcome int

// The different outcomes of RunExclusively.
const (
	// Executed means this instance held the lease and the body succeeded.
	Executed Outcome = iota + 1
	// SkippedNotLeader means another instance holds the lease. It is the
	// expected outcome on every non-leader instance.
	SkippedNotLeader
	// SkippedDuplicate means the ledger already has the occurrence.
	SkippedDuplicate
	// FailedAndReleased means the body failed, the lease was lost, or the
	// ledger could not be written. The lease has been given up.
	FailedAndReleased
)

var outcomeNames = map[Outcome]string{
	Executed:          "executed",
	SkippedNotLeader:  "skipped_not_leader",
	SkippedDuplicate:  "skipped_duplicate",
	FailedAndReleased: "failed_and_released",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	for k, v := range outcomeNames {
		if v == string(text) {
			*o = k
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}
