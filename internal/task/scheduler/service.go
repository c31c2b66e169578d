package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"moontele/internal/task/engine"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

// New validates cfg and returns a stopped service.
func New(cfg Config, b *Builder, bc Broadcaster, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if b == nil {
		b = &Builder{}
	}
	s := &Service{
		log:     log.With(logx.String("comp", "autocast")),
		builder: b,
		bc:      bc,
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply replaces the schedule set. Running jobs are left to finish; a
// schedule that keeps its name keeps its overlap gate.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.compileLocked(cfg.Schedules)
	if err != nil {
		return err
	}
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.builder.Account = cfg.Account
	s.defs = defs
	if s.c == nil {
		return nil
	}
	if !cfg.Enabled {
		s.stopCronLocked()
		return nil
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.log.Info("timezone changed; restarting", logx.String("tz", cfg.Timezone))
	}
	s.restartLocked()
	return nil
}

// compileLocked validates schedules and carries over run gates by name.
func (s *Service) compileLocked(in []Schedule) ([]*scheduleDef, error) {
	prev := map[string]*engine.RunState{}
	for _, d := range s.defs {
		prev[d.sch.Name] = d.state
	}
	seen := map[string]bool{}
	out := make([]*scheduleDef, 0, len(in))
	for i, sch := range in {
		sch.Name = strings.TrimSpace(sch.Name)
		if sch.Name == "" {
			sch.Name = fmt.Sprintf("autocast-%d", i+1)
		}
		if seen[sch.Name] {
			return nil, transport.Errorf(transport.KindConfig, "autocast: duplicate schedule name %q", sch.Name)
		}
		seen[sch.Name] = true

		trig, err := ParseTrigger(sch.Spec)
		if err != nil {
			return nil, fmt.Errorf("autocast %q: %w", sch.Name, err)
		}
		st := prev[sch.Name]
		if st == nil {
			st = &engine.RunState{}
		}
		out = append(out, &scheduleDef{sch: sch, trig: trig, state: st})
	}
	return out, nil
}

// Start begins triggering. Jobs run under ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if !s.cfg.Enabled {
		s.log.Info("autocast disabled")
		return
	}
	s.restartLocked()
}

// Stop stops triggering, cancels running jobs and waits for them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.stopCronLocked()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; autocast runs still active")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) stopCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

func (s *Service) restartLocked() {
	s.stopCronLocked()
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	now := time.Now().In(loc)
	for _, d := range s.defs {
		sched, off, err := d.trig.schedule(now)
		if err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.sch.Name), logx.String("spec", d.trig.String()), logx.Err(err))
			continue
		}
		d.stagger = off
		d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(d) }))

		args := []logx.Field{logx.String("name", d.sch.Name), logx.String("spec", d.trig.String()), logx.String("template", d.sch.Template)}
		if off > 0 {
			args = append(args, logx.Duration("stagger", off))
		}
		if next := s.previewNextRunsLocked(sched, now, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// fire runs on the cron goroutine; the job itself runs detached so a long
// broadcast never delays other schedules.
func (s *Service) fire(d *scheduleDef) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !d.state.TryAcquire() {
		s.log.Warn("autocast skipped", logx.String("name", d.sch.Name), logx.Err(engine.ErrOverlapSkip))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer d.state.Release()
		s.run(ctx, d.sch)
	}()
}

// RunNow triggers a schedule immediately, outside its cron spec.
func (s *Service) RunNow(ctx context.Context, name string) (Outcome, error) {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.sch.Name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return Outcome{}, fmt.Errorf("autocast %q: unknown schedule", name)
	}
	if !d.state.TryAcquire() {
		return Outcome{Schedule: name, Err: engine.ErrOverlapSkip}, engine.ErrOverlapSkip
	}
	defer d.state.Release()
	out := s.run(ctx, d.sch)
	return out, out.Err
}

func (s *Service) run(ctx context.Context, sch Schedule) (out Outcome) {
	timeout := sch.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Schedule: sch.Name, Err: fmt.Errorf("%w: %v", engine.ErrPanic, r)}
			s.log.Error("panic in autocast run", logx.String("name", sch.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.log.Info("autocast started", logx.String("name", sch.Name))
	out = RunOnce(ctx, s.builder, s.bc, sch)
	fields := []logx.Field{
		logx.String("name", sch.Name),
		logx.String("job", out.JobID),
		logx.Int("total", out.Status.Total),
		logx.Int("ok", out.Status.Total-out.Status.Failed),
		logx.Int("failed", out.Status.Failed),
		logx.Duration("took", time.Since(start)),
	}
	switch {
	case out.Err != nil && errors.Is(out.Err, context.Canceled):
		s.log.Info("autocast cancelled", fields...)
	case out.Err != nil:
		s.log.Error("autocast failed", append(fields, logx.Err(out.Err))...)
	default:
		s.log.Info("autocast finished", fields...)
	}
	return out
}

// Schedules returns the registered schedules with their next run times.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.sch.Name, Spec: d.trig.String(), Template: d.sch.Template, Running: d.state.Running()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, t time.Time, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
