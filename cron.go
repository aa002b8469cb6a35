package leasecron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as "@daily" or "@every 5m".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseSchedule parses expr so that every instance derives identical
// occurrence times from it.
//
// Expressions without an explicit CRON_TZ/TZ prefix are evaluated in loc
// rather than the host's local zone. "@every" schedules are aligned to
// multiples of their interval instead of being relative to the call time.
func parseSchedule(expr string, loc *time.Location) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	switch s := schedule.(type) {
	case *cron.SpecSchedule:
		if s.Location == time.Local && loc != nil {
			s.Location = loc
		}
	case cron.ConstantDelaySchedule:
		return alignedEvery{delay: s.Delay}, nil
	}
	return schedule, nil
}

// alignedEvery fires on multiples of delay counted from the zero time.
type alignedEvery struct {
	delay time.Duration
}

func (a alignedEvery) Next(t time.Time) time.Time {
	return t.Truncate(a.delay).Add(a.delay)
}

// nextOccurrence calculates the occurrence that follows previous.
// If that occurrence is already older than misfireGrace at now (the
// previous run overran several periods), the missed occurrences are
// skipped and the first one after now is returned instead.
func nextOccurrence(schedule cron.Schedule, previous, now time.Time, misfireGrace time.Duration) (next time.Time, skipped bool) {
	next = schedule.Next(previous)
	if next.IsZero() {
		return next, false
	}
	if now.Sub(next) > misfireGrace {
		return schedule.Next(now), true
	}
	return next, false
}
