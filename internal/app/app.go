// Package app wires configuration, storage, the Telegram service and the
// moontele services into the daemon and the one-shot commands.
package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"moontele/internal/config"
	"moontele/internal/runtime/clock"
	"moontele/internal/runtime/supervisor"
	"moontele/internal/services/broadcast"
	"moontele/internal/task/scheduler"
	"moontele/internal/transport"
	"moontele/internal/watch"
	logx "moontele/pkg/logx"
)

const defaultUpdatesBuffer = 256

// App is the long-running daemon: update ingestion, forward rules,
// the broadcast queue, autocast schedules and config hot reload.
type App struct {
	cfgm *config.ConfigManager
	env  *Env
	log  logx.Logger
	conn *Conn

	sup   *supervisor.Supervisor
	bc    *broadcast.Service
	sched *scheduler.Service

	updates  chan transport.Update
	recorded atomic.Uint64
}

// NewApp loads the config, bootstraps the environment and connects.
func NewApp(ctx context.Context, cfgm *config.ConfigManager, dryRun bool) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	env, err := Bootstrap(cfg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfgm, env, dryRun)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, cfgm *config.ConfigManager, env *Env, dryRun bool) (*App, error) {
	cfg := env.Cfg
	log := env.Log.With(logx.String("comp", "app"))

	conn, err := env.Connect(ctx, dryRun)
	if err != nil {
		return nil, err
	}

	bcfg, err := broadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bc := broadcast.New(bcfg, broadcast.NewDispatcher(conn.Sink, clock.Real(), env.Log), env.Store, env.Log)

	scfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	builder := &scheduler.Builder{
		Templates: env.Templates,
		Source:    conn.Source,
		Resolver:  conn.Resolver,
		Template:  cfg.Templates.Default,
	}
	sched, err := scheduler.New(scfg, builder, bc, env.Log)
	if err != nil {
		return nil, err
	}

	buf := cfg.Telegram.UpdatesBuffer
	if buf <= 0 {
		buf = defaultUpdatesBuffer
	}
	return &App{
		cfgm:    cfgm,
		env:     env,
		log:     log,
		conn:    conn,
		bc:      bc,
		sched:   sched,
		updates: make(chan transport.Update, buf),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.env.Log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := broadcastConfig(cfg); err != nil {
			return err
		}
		scfg, err := schedulerConfig(cfg)
		if err != nil {
			return err
		}
		if tz := strings.TrimSpace(scfg.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return errors.New("autocast.timezone: " + err.Error())
			}
		}
		for _, s := range scfg.Schedules {
			if _, err := scheduler.ParseTrigger(s.Spec); err != nil {
				return err
			}
		}
		return nil
	})

	if a.conn.Adapter != nil {
		if err := a.conn.Adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.sup.Go0("archive.record", a.recordLoop)
	}

	a.bc.Start(runCtx)
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}

	for _, fr := range a.env.Cfg.Forward.Rules {
		if fr.Disabled {
			a.log.Info("forward rule disabled", logx.String("rule", fr.Name))
			continue
		}
		a.startForwarder(fr)
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log, func() bool { return a.sup.Context().Err() == nil })
	})

	notify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("forward_rules", len(a.env.Cfg.Forward.Rules)),
		logx.Bool("autocast", a.sched.Enabled()),
		logx.Bool("dry_run", a.conn.Dry != nil),
	)
	return nil
}

// recordLoop archives every inbound update so watchers and replays can
// read history the Bot API does not serve.
func (a *App) recordLoop(ctx context.Context) {
	archive, err := a.env.Archive()
	if err != nil {
		a.log.Warn("updates are not archived", logx.Err(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.updates:
			if archive == nil {
				continue
			}
			if err := archive.Record(ctx, u); err != nil {
				a.log.Warn("archive update failed", logx.Err(err))
				continue
			}
			if n := a.recorded.Add(1); n%1000 == 0 {
				a.log.Debug("updates archived", logx.Uint64("total", n))
			}
		}
	}
}

// startForwarder runs one rule under the supervisor. Resolution happens
// inside the loop so a username that cannot be resolved yet is retried;
// configuration errors end the rule without taking the daemon down.
func (a *App) startForwarder(fr config.ForwardRule) {
	name := "forward." + fr.Name
	a.sup.GoRestart(name, func(c context.Context) error {
		rule, err := forwardRule(c, fr, a.conn.Resolver)
		if err == nil {
			var f *watch.Forwarder
			f, err = watch.NewForwarder(a.conn.Source, a.conn.Sink, rule, watch.WithLogger(a.env.Log))
			if err == nil {
				return f.Run(c)
			}
		}
		if transport.Classify(err) == transport.KindConfig {
			a.log.Error("forward rule stopped", logx.String("rule", fr.Name), logx.Err(err))
			return nil
		}
		return err
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))
}

// reloadLoop applies published configs. Logging, broadcast defaults and
// autocast schedules change live; storage, telegram and forward rules
// need a restart.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, rules := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "templates":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "forward":
			a.log.Warn("forward rules changed; restart required", logx.Strings("rules", rules))
		}
	}

	a.env.ApplyLogging(newCfg)

	if bcfg, err := broadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bc.Apply(bcfg)
	}

	prevSched := a.sched.Enabled()
	if scfg, err := schedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid autocast config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(scfg); err != nil {
		a.log.Warn("autocast schedules rejected; keeping previous", logx.Err(err))
	} else {
		switch {
		case prevSched && !scfg.Enabled:
			a.log.Info("autocast disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevSched && scfg.Enabled:
			a.log.Info("autocast enabled via config")
			a.sched.Start(c)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return a.env.Close()
	}
	notify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", reason))

	// Cancel first so loops start unwinding immediately.
	a.sup.Cancel()

	stopStep(ctx, a.log, "autocast", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	stopStep(ctx, a.log, "broadcast", 3*time.Second, func(c context.Context) error { a.bc.Stop(c); return nil })
	if a.conn.Adapter != nil {
		stopStep(ctx, a.log, "telegram", 3*time.Second, a.conn.Adapter.Stop)
	}
	stopStep(ctx, a.log, "supervisor", 3*time.Second, a.sup.Wait)
	if a.conn.Dry != nil {
		a.log.Info("dry run sends recorded", logx.Int("count", len(a.conn.Dry.Sent())))
	}

	a.log.Info("stopped")
	return a.env.Close()
}
