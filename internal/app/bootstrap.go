package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"moontele/internal/config"
	"moontele/internal/services/broadcast"
	"moontele/internal/storage"
	"moontele/internal/task/scheduler"
	"moontele/internal/transport"
	"moontele/internal/transport/memory"
	telegram "moontele/internal/transport/telegram/adapter"
	logx "moontele/pkg/logx"
)

// Env holds what every command shares: config, logging, the archive and
// the template file. Close releases it.
type Env struct {
	Cfg       *config.Config
	Log       logx.Logger
	Store     storage.Store
	Templates *storage.Templates

	logs    *logx.Service
	archive *storage.Archive
}

// Bootstrap sets up logging and opens storage and templates for cfg.
func Bootstrap(cfg *config.Config) (*Env, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	logs, log := logx.New(logConfig(cfg), nil)
	env := &Env{Cfg: cfg, Log: log, logs: logs}

	sc, err := storageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	st, err := storage.Open(sc, log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		log.Warn("storage disabled; history, watch and link payloads are unavailable")
	case err != nil:
		_ = logs.Close()
		return nil, err
	default:
		env.Store = st
		env.archive = storage.NewSource(st)
	}

	tpl, err := storage.LoadTemplates(cfg.Templates.Path, cfg.Templates.Account)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	env.Templates = tpl
	return env, nil
}

// Close flushes and closes storage and log outputs.
func (e *Env) Close() error {
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
		e.Store = nil
	}
	if e.logs != nil {
		errs = append(errs, e.logs.Close())
	}
	return errors.Join(errs...)
}

// Archive returns the message archive, or a config error when storage is
// disabled.
func (e *Env) Archive() (*storage.Archive, error) {
	if e.archive == nil {
		return nil, transport.Errorf(transport.KindConfig, "storage is disabled (storage.driver: none)")
	}
	return e.archive, nil
}

// ApplyLogging swaps log outputs to match cfg.
func (e *Env) ApplyLogging(cfg *config.Config) {
	e.logs.Apply(logConfig(cfg))
}

// Conn is a connected message service. In dry-run mode Sink records sends
// in memory and Adapter is nil.
type Conn struct {
	Source   transport.Source
	Sink     transport.Sink
	Resolver transport.ChatResolver
	Adapter  *telegram.Adapter
	Dry      *memory.Service
}

// Connect logs in to Telegram, or builds a dry-run connection reading
// from the archive.
func (e *Env) Connect(ctx context.Context, dryRun bool) (*Conn, error) {
	if dryRun {
		dry := memory.New()
		c := &Conn{Source: dry, Sink: dry, Dry: dry}
		if e.archive != nil {
			c.Source = e.archive
			c.Resolver = e.archive
		}
		e.Log.Info("dry run: sends are recorded, not delivered")
		return c, nil
	}

	tc, err := telegramConfig(e.Cfg)
	if err != nil {
		return nil, err
	}
	var archive telegram.Archive
	if e.archive != nil {
		archive = e.archive
	}
	ad, err := telegram.New(ctx, tc, archive, e.Log)
	if err != nil {
		return nil, err
	}
	e.logs.SetSender(ad)
	return &Conn{Source: ad, Sink: ad, Resolver: ad, Adapter: ad}, nil
}

func logConfig(cfg *config.Config) logx.Config {
	lt := cfg.Logging.Telegram
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lt.Enabled,
			ChatID:     lt.ChatID,
			ThreadID:   lt.ThreadID,
			MinLevel:   lt.MinLevel,
			RatePerSec: lt.RatePerSec,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := cfg.Storage.BusyTimeout.Parse("storage.busy_timeout")
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func telegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := cfg.Telegram.PollTimeout.OrDefault("telegram.poll_timeout", telegram.DefaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func broadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	mode, err := broadcast.ParseMode(cfg.Broadcast.Mode)
	if err != nil {
		return broadcast.Config{}, err
	}
	delay, err := cfg.Broadcast.Delay.OrDefault("broadcast.delay", broadcast.DefaultDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Mode:      mode,
		Delay:     broadcast.FixedDelay(delay),
		QueueSize: cfg.Broadcast.QueueSize,
	}, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	out := scheduler.Config{
		Enabled:  cfg.Autocast.Enabled,
		Timezone: cfg.Autocast.Timezone,
		Account:  cfg.Templates.Account,
	}
	for i, s := range cfg.Autocast.Schedules {
		mode, err := broadcast.ParseMode(s.Mode)
		if err != nil {
			return scheduler.Config{}, err
		}
		timeout, err := s.Timeout.OrDefault("autocast.schedules.timeout", scheduler.DefaultTimeout)
		if err != nil {
			return scheduler.Config{}, err
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = "autocast-" + strconv.Itoa(i+1)
		}
		out.Schedules = append(out.Schedules, scheduler.Schedule{
			Name:     name,
			Spec:     s.Schedule,
			Template: s.Template,
			Text:     s.Text,
			TextFile: s.TextFile,
			Link:     s.Link,
			Mode:     mode,
			Timeout:  timeout,
		})
	}
	return out, nil
}

// stopStep runs fn with an upper bound so one component can't stall the
// whole stop. It never extends the caller's deadline.
func stopStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("panic in stop step " + name)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
