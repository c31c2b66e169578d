package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"

	"moontele/internal/storage"
	"moontele/pkg/logx"
)

// FinishGrace bounds how long Wait keeps waiting for a job's final status
// after its context ends.
const FinishGrace = 2 * time.Second

// New creates the job service. audit may be nil.
func New(cfg Config, d *Dispatcher, audit storage.Store, log logx.Logger) *Service {
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 32
	}
	return &Service{
		cfg:        withDefaults(cfg),
		dispatcher: d,
		audit:      audit,
		log:        log.OrNop().With(logx.String("comp", "broadcast")),
		queue:      make(chan queued, qs),
		status:     map[string]*jobState{},
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Mode == "" {
		cfg.Mode = ModeCopy
	}
	if !cfg.Delay.Random() && cfg.Delay.Fixed <= 0 {
		cfg.Delay.Fixed = DefaultDelay
	}
	return cfg
}

// Apply swaps mode and delay defaults for jobs that start afterwards.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start runs the single worker. Jobs run one at a time so that no target is
// written by two jobs at once.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.running = true

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in broadcast worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.worker(runCtx)
	}()
	s.log.Info("service started", logx.String("mode", string(s.cfg.Mode)), logx.String("delay", s.cfg.Delay.String()))
}

// Stop cancels the running job between sends and waits for the worker.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
	}
}

// Submit enqueues a job and returns its id.
func (s *Service) Submit(j Job) (string, error) {
	if err := j.Payload.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	id := "bc_" + ulid.Make().String()
	s.pruneStatus(now)

	st := &jobState{
		JobStatus: JobStatus{ID: id, Name: j.Name, Payload: j.Payload.Describe(), Total: len(j.Targets), CreatedAt: now},
		done:      make(chan struct{}),
	}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.drop(id, ErrStopped)
		return id, ErrStopped
	}
	select {
	case s.queue <- queued{id: id, job: j}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", j.Name), logx.Int("total", len(j.Targets)), logx.Int("queue_len", len(s.queue)))
		return id, nil
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.String("name", j.Name), logx.Int("queue_cap", cap(s.queue)))
		s.drop(id, ErrQueueFull)
		return id, ErrQueueFull
	}
}

// Status returns a copy of a job's status.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := st.JobStatus
	cp.Failures = append([]Failure(nil), st.Failures...)
	return cp, true
}

// Wait blocks until the job finishes or ctx ends. When ctx ends first it
// still waits up to FinishGrace for the job to record its final counts, and
// returns that status along with ctx.Err().
func (s *Service) Wait(ctx context.Context, id string) (JobStatus, error) {
	s.statusMu.RLock()
	st, ok := s.status[id]
	s.statusMu.RUnlock()
	if !ok {
		return JobStatus{}, ErrUnknown
	}
	select {
	case <-st.done:
		cp, _ := s.Status(id)
		return cp, nil
	case <-ctx.Done():
	}
	t := time.NewTimer(FinishGrace)
	defer t.Stop()
	select {
	case <-st.done:
		cp, _ := s.Status(id)
		return cp, ctx.Err()
	case <-t.C:
		return JobStatus{}, ctx.Err()
	}
}

func (s *Service) drop(id string, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Failed = st.Total
		st.Err = err.Error()
		close(st.done)
	}
}
