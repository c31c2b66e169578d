package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"moontele/internal/runtime/clock"
	"moontele/internal/services/broadcast"
	"moontele/internal/services/harvest"
	"moontele/internal/services/importer"
	"moontele/internal/task/scheduler"
	"moontele/internal/transport"
	"moontele/internal/watch"
	logx "moontele/pkg/logx"
)

// WatchOptions describe an ad-hoc forward rule.
type WatchOptions struct {
	Source    string
	Topic     int
	Dest      int64
	DestTopic int
	Keywords  []string
	Interval  time.Duration
	Mode      string
	DryRun    bool
}

// Watch polls one stream and relays matches until ctx ends. Inbound
// updates are archived while it runs so new messages become visible.
func Watch(ctx context.Context, env *Env, opt WatchOptions) error {
	if _, err := env.Archive(); err != nil {
		return err
	}
	conn, err := env.Connect(ctx, opt.DryRun)
	if err != nil {
		return err
	}
	src, err := ResolveChat(ctx, opt.Source, conn.Resolver)
	if err != nil {
		return err
	}
	if opt.Topic == 0 {
		opt.Topic = src.Topic
	}
	rule := watch.Rule{
		Name:     "watch",
		Source:   src.ChatID,
		Topic:    opt.Topic,
		Dest:     transport.Target{ChatID: opt.Dest, ThreadID: opt.DestTopic},
		Keywords: opt.Keywords,
		Interval: opt.Interval,
		Mode:     watch.RelayMode(strings.ToLower(strings.TrimSpace(opt.Mode))),
	}
	f, err := watch.NewForwarder(conn.Source, conn.Sink, rule, watch.WithLogger(env.Log))
	if err != nil {
		return err
	}

	if conn.Adapter != nil {
		updates := make(chan transport.Update, defaultUpdatesBuffer)
		if err := conn.Adapter.Start(ctx, updates); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = conn.Adapter.Stop(stopCtx)
		}()
		archive, _ := env.Archive()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case u := <-updates:
					if err := archive.Record(ctx, u); err != nil {
						env.Log.Warn("archive update failed", logx.Err(err))
					}
				}
			}
		}()
	}

	err = f.Run(ctx)
	if conn.Dry != nil {
		env.Log.Info("dry run sends recorded", logx.Int("count", len(conn.Dry.Sent())))
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// HarvestOptions select chats and output for scrape and extract.
type HarvestOptions struct {
	Chats       []string
	Limit       int
	Concurrency int
	Dir         string
	Merge       string
}

func (o HarvestOptions) withDefaults(env *Env) harvest.Options {
	out := harvest.Options{Limit: o.Limit, Concurrency: o.Concurrency, Dir: o.Dir, Merge: o.Merge}
	hc := env.Cfg.Harvest
	if out.Limit == 0 {
		out.Limit = hc.Limit
	}
	if out.Concurrency <= 0 {
		out.Concurrency = hc.Concurrency
	}
	if out.Dir == "" {
		out.Dir = hc.Dir
	}
	if out.Dir == "" {
		out.Dir = "."
	}
	return out
}

// Scrape writes chat history files from the archive.
func Scrape(ctx context.Context, env *Env, opt HarvestOptions) (harvest.Report, error) {
	targets, err := harvestTargets(ctx, env, opt.Chats)
	if err != nil {
		return harvest.Report{}, err
	}
	archive, _ := env.Archive()
	return harvest.New(archive, env.Log).Scrape(ctx, targets, opt.withDefaults(env))
}

// Extract collects links, domains and IPs across chats into result files.
func Extract(ctx context.Context, env *Env, opt HarvestOptions) (harvest.Report, error) {
	targets, err := harvestTargets(ctx, env, opt.Chats)
	if err != nil {
		return harvest.Report{}, err
	}
	archive, _ := env.Archive()
	_, rep, err := harvest.New(archive, env.Log).Extract(ctx, targets, opt.withDefaults(env))
	return rep, err
}

// BroadcastOptions describe one broadcast to a template's targets. Link
// wins over TextFile, which wins over Text.
type BroadcastOptions struct {
	Template string
	Text     string
	TextFile string
	Link     string
	Mode     string
	// Delay overrides broadcast.delay for this run when positive.
	Delay  time.Duration
	DryRun bool
}

// Broadcast sends one payload to every target of a template and waits
// for the job to finish.
func Broadcast(ctx context.Context, env *Env, opt BroadcastOptions) (broadcast.JobStatus, error) {
	name := strings.TrimSpace(opt.Template)
	if name == "" {
		name = strings.TrimSpace(env.Cfg.Templates.Default)
	}
	if name == "" {
		return broadcast.JobStatus{}, transport.Errorf(transport.KindConfig, "broadcast: no template given")
	}
	targets, err := env.Templates.Get(env.Cfg.Templates.Account, name)
	if err != nil {
		return broadcast.JobStatus{}, err
	}
	mode, err := broadcast.ParseMode(firstSet(opt.Mode, env.Cfg.Broadcast.Mode))
	if err != nil {
		return broadcast.JobStatus{}, err
	}

	conn, err := env.Connect(ctx, opt.DryRun)
	if err != nil {
		return broadcast.JobStatus{}, err
	}
	payload, err := broadcastPayload(ctx, conn, opt)
	if err != nil {
		return broadcast.JobStatus{}, err
	}
	job := broadcast.Job{
		Name:     "broadcast",
		Template: name,
		Payload:  payload,
		Targets:  targets,
		Mode:     mode,
	}
	// Without --delay the service's configured fixed delay applies.
	delay := firstSet(env.Cfg.Broadcast.Delay.String(), broadcast.DefaultDelay.String())
	if opt.Delay > 0 {
		d := broadcast.FixedDelay(opt.Delay)
		job.Delay = &d
		delay = d.String()
	}

	svc, stop := startBroadcaster(ctx, env, conn)
	defer stop()
	id, err := svc.Submit(job)
	if err != nil {
		return broadcast.JobStatus{}, err
	}
	env.Log.Info("broadcast started",
		logx.String("job", id),
		logx.String("template", name),
		logx.Int("targets", len(targets)),
		logx.String("delay", delay),
	)
	return svc.Wait(ctx, id)
}

func broadcastPayload(ctx context.Context, conn *Conn, opt BroadcastOptions) (broadcast.Payload, error) {
	if link := strings.TrimSpace(opt.Link); link != "" {
		ml, err := transport.ParseMessageLink(link)
		if err != nil {
			return broadcast.Payload{}, err
		}
		chatID, err := ml.ResolveChat(ctx, conn.Resolver)
		if err != nil {
			return broadcast.Payload{}, err
		}
		return broadcast.ResolvePayload(ctx, conn.Source, chatID, ml.MessageID)
	}
	if f := strings.TrimSpace(opt.TextFile); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return broadcast.Payload{}, transport.Wrap(transport.KindConfig, "read "+f, err)
		}
		return broadcast.TextPayload(string(b)), nil
	}
	return broadcast.TextPayload(opt.Text), nil
}

// AutocastOptions override the unattended defaults for one run.
type AutocastOptions struct {
	Template string
	TextFile string
	Text     string
	Link     string
	DryRun   bool
}

// Autocast runs one unattended broadcast: template from the options, env
// or default, body from the text file when present, random 5-10s delay.
func Autocast(ctx context.Context, env *Env, opt AutocastOptions) (scheduler.Outcome, error) {
	conn, err := env.Connect(ctx, opt.DryRun)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	mode, err := broadcast.ParseMode(env.Cfg.Broadcast.Mode)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	b := &scheduler.Builder{
		Templates: env.Templates,
		Source:    conn.Source,
		Resolver:  conn.Resolver,
		// Unattended runs search every account.
		Account:  "",
		Template: env.Cfg.Templates.Default,
	}
	svc, stop := startBroadcaster(ctx, env, conn)
	defer stop()
	out := scheduler.RunOnce(ctx, b, svc, scheduler.Schedule{
		Name:     "autocast",
		Template: opt.Template,
		Text:     opt.Text,
		TextFile: opt.TextFile,
		Link:     opt.Link,
		Mode:     mode,
	})
	return out, out.Err
}

// ImportOptions name a Telegram Desktop export to load into the archive.
type ImportOptions struct {
	Path   string
	ChatID int64
}

func Import(ctx context.Context, env *Env, opt ImportOptions) (importer.Stats, error) {
	if _, err := env.Archive(); err != nil {
		return importer.Stats{}, err
	}
	return importer.New(env.Store, env.Log).Import(ctx, opt.Path, opt.ChatID)
}

// startBroadcaster runs a broadcast service for one command.
func startBroadcaster(ctx context.Context, env *Env, conn *Conn) (*broadcast.Service, func()) {
	cfg, err := broadcastConfig(env.Cfg)
	if err != nil {
		cfg = broadcast.Config{}
	}
	svc := broadcast.New(cfg, broadcast.NewDispatcher(conn.Sink, clock.Real(), env.Log), env.Store, env.Log)
	svc.Start(ctx)
	return svc, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
		if conn.Dry != nil {
			for _, s := range conn.Dry.Sent() {
				env.Log.Info("dry run send", logx.String("kind", s.Kind), logx.String("to", s.To.Label()), logx.Int("items", max(len(s.MessageIDs), 1)))
			}
		}
	}
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Summary renders a finished job for the terminal.
func Summary(st broadcast.JobStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s: %d/%d sent, %d failed", st.ID, st.Total-st.Failed, st.Total, st.Failed)
	if st.Cancelled {
		b.WriteString(" (cancelled)")
	}
	for _, f := range st.Failures {
		fmt.Fprintf(&b, "\n  - %s: %v", f.Target.Label(), f.Err)
	}
	return b.String()
}
