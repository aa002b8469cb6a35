package leasecron

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	m.Report(ctx, Event{JobName: "report", Outcome: Executed, Duration: 200 * time.Millisecond})
	m.Report(ctx, Event{JobName: "report", Outcome: SkippedNotLeader})
	m.Report(ctx, Event{JobName: "report", Outcome: SkippedNotLeader})
	m.Report(ctx, Event{JobName: "cleanup", Outcome: FailedAndReleased, Duration: 2 * time.Second, LeaseLost: true})

	if got := m.Count("report", SkippedNotLeader); got != 2 {
		t.Errorf("expected 2 skipped_not_leader, got %d", got)
	}
	if got := m.Count("missing", Executed); got != 0 {
		t.Errorf("expected 0 for unknown job, got %d", got)
	}

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		`leasecron_occurrences_total{job="report",outcome="executed"} 1`,
		`leasecron_occurrences_total{job="report",outcome="skipped_not_leader"} 2`,
		`leasecron_occurrences_total{job="report",outcome="skipped_duplicate"} 0`,
		`leasecron_occurrences_total{job="cleanup",outcome="failed_and_released"} 1`,
		`leasecron_lease_lost_total{job="cleanup"} 1`,
		`leasecron_lease_lost_total{job="report"} 0`,
		`leasecron_job_duration_seconds_bucket{job="report",le="0.5"} 1`,
		`leasecron_job_duration_seconds_bucket{job="report",le="0.1"} 0`,
		`leasecron_job_duration_seconds_bucket{job="cleanup",le="+Inf"} 1`,
		`leasecron_job_duration_seconds_count{job="report"} 1`,
		`leasecron_job_duration_seconds_sum{job="cleanup"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}

	// Jobs are written in name order.
	if strings.Index(out, `job="cleanup"`) > strings.Index(out, `job="report"`) {
		t.Error("expected cleanup before report")
	}
}

func TestOutcomeText(t *testing.T) {
	b, err := json.Marshal(Event{JobName: "report", Outcome: SkippedDuplicate})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"outcome":"skipped_duplicate"`) {
		t.Errorf("expected outcome name in json, got %s", b)
	}

	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Outcome != SkippedDuplicate {
		t.Errorf("expected SkippedDuplicate, got %v", ev.Outcome)
	}

	var o Outcome
	if err := o.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for unknown outcome")
	}
	if s := Outcome(42).String(); s != "outcome(42)" {
		t.Errorf("unexpected string %q", s)
	}
}
