package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultStoragePath   = "./data/moontele.db"
	DefaultTemplatesPath = "./target_templates.json"
)

// ApplyDefaults fills paths that every command needs.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(cfg.Templates.Path) == "" {
		cfg.Templates.Path = DefaultTemplatesPath
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks values the decoder cannot: durations, enums, and rule
// completeness. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := cfg.Telegram.PollTimeout.Parse("telegram.poll_timeout")
	add(err)
	if cfg.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file", "none":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = cfg.Storage.BusyTimeout.Parse("storage.busy_timeout")
	add(err)

	seen := map[string]bool{}
	for i, r := range cfg.Forward.Rules {
		at := fmt.Sprintf("forward.rules[%d]", i)
		if r.Name != "" {
			if seen[r.Name] {
				add(fmt.Errorf("%s: duplicate name %q", at, r.Name))
			}
			seen[r.Name] = true
		}
		if strings.TrimSpace(r.Source) == "" {
			add(fmt.Errorf("%s.source is required", at))
		}
		if r.Dest == 0 {
			add(fmt.Errorf("%s.dest is required", at))
		}
		_, err := r.Interval.Parse(at + ".interval")
		add(err)
		switch strings.ToLower(strings.TrimSpace(r.Mode)) {
		case "", "text", "copy":
		default:
			add(fmt.Errorf("%s.mode: unknown mode %q", at, r.Mode))
		}
	}

	add(checkBroadcastMode("broadcast.mode", cfg.Broadcast.Mode))
	_, err = cfg.Broadcast.Delay.Parse("broadcast.delay")
	add(err)
	if cfg.Harvest.Concurrency < 0 {
		add(errors.New("harvest.concurrency must be >= 0"))
	}

	for i, s := range cfg.Autocast.Schedules {
		at := fmt.Sprintf("autocast.schedules[%d]", i)
		if strings.TrimSpace(s.Schedule) == "" {
			add(fmt.Errorf("%s.schedule is required", at))
		}
		if strings.TrimSpace(s.Text) == "" && strings.TrimSpace(s.TextFile) == "" && strings.TrimSpace(s.Link) == "" {
			add(fmt.Errorf("%s: one of text, text_file or link is required", at))
		}
		add(checkBroadcastMode(at+".mode", s.Mode))
		_, err := s.Timeout.Parse(at + ".timeout")
		add(err)
	}
	return errors.Join(errs...)
}

func checkBroadcastMode(path, v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "copy", "forward":
		return nil
	}
	return fmt.Errorf("%s: unknown mode %q", path, v)
}
