package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"moontele/internal/storage"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

var (
	ErrStopped   = errors.New("broadcast service not running")
	ErrQueueFull = errors.New("broadcast queue full")
	ErrUnknown   = errors.New("unknown broadcast job")
)

type Config struct {
	Mode      Mode
	Delay     Delay
	QueueSize int
}

// Job is one broadcast request.
type Job struct {
	Name     string
	Template string
	Payload  Payload
	Targets  []transport.Target
	// Mode and Delay override the service config when set.
	Mode  Mode
	Delay *Delay
}

type queued struct {
	id  string
	job Job
}

type JobStatus struct {
	ID        string
	Name      string
	Payload   string
	Total     int
	Done      int
	Failed    int
	Failures  []Failure
	Cancelled bool
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Err       string
}

// Finished reports whether the job has run to completion or was dropped.
func (s JobStatus) Finished() bool { return !s.DoneAt.IsZero() }

type jobState struct {
	JobStatus
	done chan struct{}
}

type Service struct {
	mu sync.Mutex

	cfg        Config
	dispatcher *Dispatcher
	audit      storage.Store
	log        logx.Logger

	queue     chan queued
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	running   bool

	statusMu  sync.RWMutex
	status    map[string]*jobState
	statusMax int
	statusTTL time.Duration
}
