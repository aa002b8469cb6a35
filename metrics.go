package leasecron

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"
)

var _ Reporter = (*Metrics)(nil)

// Metrics is a Reporter that aggregates occurrence events per job and
// writes them in Prometheus exposition format.
type Metrics struct {
	mu   sync.Mutex
	jobs map[string]*jobMetrics
}

type jobMetrics struct {
	outcomes  map[Outcome]uint64
	leaseLost uint64
	duration  histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

var durationBuckets = []float64{
	0.01,
	0.1,
	0.5,
	1,
	5,
	30,
	60,
	300,
	900,
}

var reportedOutcomes = []Outcome{Executed, SkippedNotLeader, SkippedDuplicate, FailedAndReleased}

// NewMetrics constructs an empty Metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{jobs: make(map[string]*jobMetrics)}
}

// Report records ev.
func (m *Metrics) Report(_ context.Context, ev Event) {
	if m == nil {
		return
	}
	seconds := ev.Duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	jm, ok := m.jobs[ev.JobName]
	if !ok {
		jm = &jobMetrics{
			outcomes: make(map[Outcome]uint64),
			duration: newHistogram(durationBuckets),
		}
		m.jobs[ev.JobName] = jm
	}
	jm.outcomes[ev.Outcome]++
	if ev.LeaseLost {
		jm.leaseLost++
	}
	// Only attempts that ran the body say anything about job duration.
	if ev.Outcome == Executed || ev.Outcome == FailedAndReleased {
		jm.duration.observe(seconds)
	}
}

// Count returns how many events for job ended with outcome.
func (m *Metrics) Count(job string, outcome Outcome) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if jm, ok := m.jobs[job]; ok {
		return jm.outcomes[outcome]
	}
	return 0
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}

	type snapshot struct {
		name      string
		outcomes  map[Outcome]uint64
		leaseLost uint64
		duration  histogram
	}

	m.mu.Lock()
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	snaps := make([]snapshot, 0, len(names))
	for _, name := range names {
		jm := m.jobs[name]
		outcomes := make(map[Outcome]uint64, len(jm.outcomes))
		for k, v := range jm.outcomes {
			outcomes[k] = v
		}
		snaps = append(snaps, snapshot{
			name:      name,
			outcomes:  outcomes,
			leaseLost: jm.leaseLost,
			duration:  copyHistogram(jm.duration),
		})
	}
	m.mu.Unlock()

	fmt.Fprintf(w, "# HELP leasecron_occurrences_total Guarded occurrence attempts by outcome.\n")
	fmt.Fprintf(w, "# TYPE leasecron_occurrences_total counter\n")
	for _, s := range snaps {
		for _, outcome := range reportedOutcomes {
			fmt.Fprintf(w, "leasecron_occurrences_total{job=%q,outcome=%q} %d\n", s.name, outcome.String(), s.outcomes[outcome])
		}
	}

	fmt.Fprintf(w, "# HELP leasecron_lease_lost_total Leases lost while the job body was running.\n")
	fmt.Fprintf(w, "# TYPE leasecron_lease_lost_total counter\n")
	for _, s := range snaps {
		fmt.Fprintf(w, "leasecron_lease_lost_total{job=%q} %d\n", s.name, s.leaseLost)
	}

	fmt.Fprintf(w, "# HELP leasecron_job_duration_seconds Job body run time in seconds.\n")
	fmt.Fprintf(w, "# TYPE leasecron_job_duration_seconds histogram\n")
	for _, s := range snaps {
		writeHistogram(w, "leasecron_job_duration_seconds", fmt.Sprintf("job=%q", s.name), s.duration)
	}
}

func newHistogram(buckets []float64) histogram {
	return histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func copyHistogram(h histogram) histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
}

func writeHistogram(w io.Writer, name, labels string, h histogram) {
	labelPrefix := labels
	if labelPrefix != "" {
		labelPrefix += ","
	}
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, labelPrefix, formatFloat(bound), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, labelPrefix, "+Inf", h.count)
	fmt.Fprintf(w, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.count)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
