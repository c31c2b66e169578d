package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"moontele/internal/transport"
)

// MinEvery is the shortest interval an autocast schedule may fire at.
const MinEvery = time.Minute

// cronParser accepts 5-field and 6-field (with seconds) expressions and
// descriptors such as @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger is when an autocast schedule fires: a cron expression evaluated in
// the scheduler's timezone, or a fixed interval.
type Trigger struct {
	Cron  string
	Every time.Duration
}

// ParseTrigger reads the schedule field of an autocast definition. A Go
// duration ("6h", "90m") or "@every <duration>" fires at that interval;
// anything else must be a cron expression ("0 9 * * *", "@daily").
// Errors are of kind config.
func ParseTrigger(raw string) (Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Trigger{}, transport.Errorf(transport.KindConfig, "autocast schedule is empty")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return intervalTrigger(raw, d)
	}
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Trigger{}, transport.Wrap(transport.KindConfig, fmt.Sprintf("autocast schedule %q", raw), err)
		}
		return intervalTrigger(raw, d)
	}
	if _, err := cronParser.Parse(s); err != nil {
		return Trigger{}, transport.Wrap(transport.KindConfig, fmt.Sprintf("autocast schedule %q", raw), err)
	}
	return Trigger{Cron: s}, nil
}

func intervalTrigger(raw string, d time.Duration) (Trigger, error) {
	if d < MinEvery {
		return Trigger{}, transport.Errorf(transport.KindConfig, "autocast schedule %q: interval must be at least %s", raw, MinEvery)
	}
	return Trigger{Every: d}, nil
}

// Interval reports whether t fires at a fixed interval.
func (t Trigger) Interval() bool { return t.Every > 0 }

// String is the normalized form used in logs and ScheduleInfo.
func (t Trigger) String() string {
	if t.Interval() {
		return "@every " + t.Every.String()
	}
	return t.Cron
}

// schedule returns the cron schedule for t. Interval triggers get a random
// first-run offset, returned alongside.
func (t Trigger) schedule(now time.Time) (cron.Schedule, time.Duration, error) {
	if t.Interval() {
		sched, off := stagger(t.Every, now)
		return sched, off, nil
	}
	sched, err := cronParser.Parse(t.Cron)
	return sched, 0, err
}
