package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"moontele/internal/storage"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainQueue()
			return
		case q := <-s.queue:
			s.execJob(ctx, q)
		}
	}
}

// drainQueue marks jobs that never started as dropped.
func (s *Service) drainQueue() {
	for {
		select {
		case q := <-s.queue:
			s.drop(q.id, ErrStopped)
		default:
			return
		}
	}
}

func (s *Service) execJob(ctx context.Context, q queued) {
	cfg := s.config()
	opts := Options{Mode: cfg.Mode, Delay: cfg.Delay}
	if q.job.Mode != "" {
		opts.Mode = q.job.Mode
	}
	if q.job.Delay != nil {
		opts.Delay = *q.job.Delay
	}
	opts.OnResult = func(_ int, to transport.Target, err error) {
		if err != nil {
			s.markFail(q.id, to, err)
		}
		s.markDone(q.id)
	}

	s.setRunning(q.id)
	s.log.Info("broadcast job started",
		logx.String("job", q.id),
		logx.String("name", q.job.Name),
		logx.String("payload", q.job.Payload.Describe()),
		logx.Int("total", len(q.job.Targets)),
		logx.String("mode", string(opts.Mode)),
	)

	rep, err := s.dispatcher.Dispatch(ctx, q.job.Payload, q.job.Targets, opts)
	s.finish(q.id, rep, err)

	fields := []logx.Field{
		logx.String("job", q.id),
		logx.String("name", q.job.Name),
		logx.Int("total", rep.Total),
		logx.Int("ok", rep.OK),
		logx.Int("failed", rep.Failed()),
		logx.Bool("cancelled", rep.Cancelled),
		logx.Duration("dur", rep.Took),
	}
	if err != nil || rep.Failed() > 0 {
		s.log.Warn("broadcast job finished with failures", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
	s.appendAudit(q, rep, err)
}

func (s *Service) appendAudit(q queued, rep Report, runErr error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:       time.Now(),
		Job:      q.id,
		Action:   "broadcast",
		Source:   q.job.Payload.Describe(),
		Template: q.job.Template,
		Total:    rep.Total,
		OK:       rep.OK,
		Fail:     rep.Failed(),
		TookMS:   rep.Took.Milliseconds(),
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	if len(rep.Failures) > 0 {
		type failed struct {
			ChatID int64  `json:"chat_id"`
			Topic  int    `json:"topic_id,omitempty"`
			Kind   string `json:"kind"`
			Err    string `json:"err"`
		}
		list := make([]failed, 0, len(rep.Failures))
		for _, f := range rep.Failures {
			list = append(list, failed{ChatID: f.Target.ChatID, Topic: f.Target.ThreadID, Kind: f.Kind.String(), Err: f.Err.Error()})
		}
		if b, err := json.Marshal(list); err == nil {
			e.Meta = string(b)
		}
	}
	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.audit.AppendAudit(actx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("job", q.id), logx.Err(err))
	}
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.StartedAt = time.Now()
		st.Running = true
	}
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markFail(id string, to transport.Target, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, Failure{Target: to, Err: err, Kind: transport.Classify(err)})
		}
	}
}

func (s *Service) finish(id string, rep Report, err error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
		st.Cancelled = rep.Cancelled
		// Targets never attempted count as failed.
		st.Failed = rep.Failed()
		if err != nil {
			st.Err = err.Error()
		}
		close(st.done)
	}
}
