package leasecron

import (
	"context"
	"time"
)

// Event is emitted once per occurrence per instance after the guard is done
// with it.
type Event struct {
	JobName      string        `json:"jobName"`
	ExecutionID  string        `json:"executionId"`
	HolderID     string        `json:"holderId"`
	Outcome      Outcome       `json:"outcome"`
	Duration     time.Duration `json:"duration"`
	FencingToken int64         `json:"fencingToken,omitempty"`
	Occurrence   time.Time     `json:"occurrence"`
	Error        string        `json:"error,omitempty"`
	LeaseLost    bool          `json:"leaseLost,omitempty"`
}

// Reporter consumes occurrence events, typically forwarding them to a
// metrics or alerting system. Report must not block for long; the guard
// calls it synchronously before returning.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev Event)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// MultiReporter fans an event out to several reporters in order.
type MultiReporter []Reporter

// Report forwards ev to every non-nil reporter.
func (m MultiReporter) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, ev)
		}
	}
}

type noOpReporter struct{}

func (noOpReporter) Report(context.Context, Event) {}
