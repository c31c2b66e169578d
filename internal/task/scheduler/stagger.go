package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStagger caps the offset added to an interval schedule's first run.
const maxStagger = 30 * time.Second

// staggered fires once at first, then every interval after each run.
type staggered struct {
	base  cron.ConstantDelaySchedule
	first time.Time
}

func (s staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// stagger returns an interval schedule whose first run is one interval plus
// a random whole-second offset in [0, min(every, maxStagger)) after now.
func stagger(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	var off time.Duration
	if span := min(every, maxStagger); span > 0 {
		off = rand.N(span).Truncate(time.Second)
	}
	return staggered{base: cron.Every(every), first: now.Add(every + off)}, off
}
