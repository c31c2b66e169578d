package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"moontele/internal/services/broadcast"
	"moontele/internal/task/engine"
	"moontele/pkg/logx"
)

const (
	// DefaultTemplate is used when neither the schedule nor TG_TEMPLATE_NAME
	// names one.
	DefaultTemplate = "Promo Harian"
	// DefaultTextFile is read for the message body when present.
	DefaultTextFile = "promo.txt"
	// DefaultText is sent when there is no text file and no configured text.
	DefaultText = "Halo! 👋\nIni adalah pesan otomatis dari MoonTele.\nJangan lupa cek channel kami ya!"
	// DefaultTimeout bounds one autocast run.
	DefaultTimeout = 2 * time.Hour
)

// Config controls the autocast scheduler.
type Config struct {
	Enabled   bool
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"
	Account   string // template account; "" searches all accounts
	Schedules []Schedule
}

// Schedule is one autocast definition. Spec accepts the forms documented
// on ParseTrigger. Exactly one payload source is used, in this order:
// Link, TextFile (when the file exists), Text.
type Schedule struct {
	Name     string
	Spec     string
	Template string
	Text     string
	TextFile string
	Link     string
	Mode     broadcast.Mode
	Timeout  time.Duration
}

// Broadcaster is the part of the broadcast service autocast needs.
type Broadcaster interface {
	Submit(j broadcast.Job) (string, error)
	Wait(ctx context.Context, id string) (broadcast.JobStatus, error)
}

type scheduleDef struct {
	sch     Schedule
	trig    Trigger
	entryID cron.EntryID
	stagger time.Duration
	state   *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	builder *Builder
	bc      Broadcaster

	c    *cron.Cron
	defs []*scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// ScheduleInfo is a read-only view of a registered schedule.
type ScheduleInfo struct {
	Name     string
	Spec     string
	Template string
	Running  bool
	Next     time.Time
	Prev     time.Time
}

// Outcome is the result of one autocast run.
type Outcome struct {
	Schedule string
	JobID    string
	Status   broadcast.JobStatus
	Err      error
}
