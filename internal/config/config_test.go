package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 15s
storage:
  driver: file
  path: ./data/archive
forward:
  rules:
    - name: deals
      source: "@dealsource"
      dest: -1002
      keywords: [promo, diskon]
      interval: 3s
autocast:
  enabled: true
  timezone: Asia/Jakarta
  schedules:
    - name: morning
      schedule: "0 0 8 * * *"
      text_file: promo.txt
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	y, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if y.Telegram.Token != "123:abc" || y.Storage.Driver != "file" || len(y.Forward.Rules) != 1 {
		t.Fatalf("yaml cfg = %+v", y)
	}
	if r := y.Forward.Rules[0]; r.Source != "@dealsource" || r.Dest != -1002 || len(r.Keywords) != 2 {
		t.Fatalf("rule = %+v", r)
	}

	j, err := Decode("config.json", []byte(`{"broadcast": {"mode": "forward", "delay": "2s"}}`))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if j.Broadcast.Mode != "forward" || j.Broadcast.Delay != "2s" {
		t.Fatalf("json cfg = %+v", j.Broadcast)
	}

	empty, err := Decode("empty.yml", nil)
	if err != nil || empty == nil {
		t.Fatalf("Decode empty = %+v, %v", empty, err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, doc string
	}{
		{"unknown json key", "c.json", `{"telegram": {"tokn": "x"}}`},
		{"unknown yaml key", "c.yaml", "plugins:\n  echo: {}\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "telegram: [unclosed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := &Config{
		Forward: ForwardConfig{Rules: []ForwardRule{{Name: "a", Source: "-1001", Dest: -1002, Interval: "5s"}}},
		Autocast: AutocastConfig{Schedules: []AutocastSchedule{
			{Name: "m", Schedule: "@every 1h", Text: "hi", Mode: "forward"},
		}},
	}
	if err := Validate(good); err != nil {
		t.Fatalf("Validate(good) = %v", err)
	}

	bad := &Config{
		Telegram: TelegramConfig{PollTimeout: "soon"},
		Storage:  StorageConfig{Driver: "etcd"},
		Forward: ForwardConfig{Rules: []ForwardRule{
			{Name: "a", Source: "x", Dest: 1},
			{Name: "a", Mode: "mirror"},
		}},
		Broadcast: BroadcastConfig{Delay: "-1s"},
		Autocast:  AutocastConfig{Schedules: []AutocastSchedule{{Name: "empty"}}},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{
		"telegram.poll_timeout",
		"storage.driver",
		"duplicate name",
		"forward.rules[1].source",
		"forward.rules[1].dest",
		"forward.rules[1].mode",
		"broadcast.delay",
		"autocast.schedules[0].schedule",
		"one of text, text_file or link",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	if d, err := Duration("").OrDefault("x", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	cases := []struct {
		in   Duration
		want time.Duration
	}{
		{" 2m ", 2 * time.Minute},
		{"1m30s", 90 * time.Second},
		{"5", 5 * time.Second},
		{"2.5", 2500 * time.Millisecond},
		{"0", 0},
	}
	for _, tc := range cases {
		if d, err := tc.in.Parse("x"); err != nil || d != tc.want {
			t.Fatalf("Parse(%q) = %v, %v; want %v", tc.in, d, err, tc.want)
		}
	}
	for _, bad := range []Duration{"-3s", "-1", "soon", "NaN", "Inf"} {
		if _, err := bad.Parse("broadcast.delay"); err == nil || !strings.Contains(err.Error(), "broadcast.delay") {
			t.Fatalf("Parse(%q) err = %v", bad, err)
		}
	}
}

func TestDurationDecodesNumbersAndStrings(t *testing.T) {
	t.Parallel()
	yml := []byte("broadcast:\n  delay: 2.5\nforward:\n  rules:\n    - source: \"-1\"\n      dest: -2\n      interval: 10s\n")
	cfg, err := Decode("c.yaml", yml)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Broadcast.Delay != "2.5" || cfg.Forward.Rules[0].Interval != "10s" {
		t.Fatalf("durations = %q %q", cfg.Broadcast.Delay, cfg.Forward.Rules[0].Interval)
	}
	if _, err := Decode("c.json", []byte(`{"broadcast":{"delay":true}}`)); err == nil {
		t.Fatalf("bool duration accepted")
	}
}

// Tests below touch the process environment and cannot run in parallel.

func TestManagerEnvOverlay(t *testing.T) {
	t.Setenv(EnvBotToken, "env-token")
	t.Setenv(EnvTemplateName, "Promo Malam")
	t.Setenv(EnvLogChatID, "-100777")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Templates.Default != "Promo Malam" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !cfg.Logging.Telegram.Enabled || cfg.Logging.Telegram.ChatID != -100777 {
		t.Fatalf("log chat = %+v", cfg.Logging.Telegram)
	}
	if cfg.Templates.Path != DefaultTemplatesPath || cfg.Logging.Level != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestManagerWithoutFile(t *testing.T) {
	t.Setenv(EnvBotToken, "only-env")
	m := NewConfigManager("")
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "only-env" || cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultStoragePath {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := m.Watch(context.Background()); err != nil {
		t.Fatalf("Watch without file = %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TG_ACCOUNT=dotenv-account\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvAccount, "")
	os.Unsetenv(EnvAccount)
	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg := &Config{}
	ApplyEnv(cfg)
	if cfg.Templates.Account != "dotenv-account" {
		t.Fatalf("account = %q", cfg.Templates.Account)
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	t.Setenv(EnvBotToken, "")
	path := filepath.Join(t.TempDir(), "config.json")
	write := func(level string) {
		t.Helper()
		doc := `{"logging": {"level": "` + level + `"}}`
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("info")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatalf("Get not updated")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Keep writing until the watcher is up.
			write("debug")
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Forward:  ForwardConfig{Rules: []ForwardRule{{Name: "keep", Source: "1", Dest: 2}, {Name: "gone", Source: "1", Dest: 3}}},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b"},
		Forward:  ForwardConfig{Rules: []ForwardRule{{Name: "keep", Source: "1", Dest: 2}, {Name: "new", Source: "1", Dest: 4}}},
		Autocast: AutocastConfig{Enabled: true},
	}
	sections, attrs, rules := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "telegram,forward,autocast" {
		t.Fatalf("sections = %v", sections)
	}
	if strings.Join(rules, ",") != "gone,new" {
		t.Fatalf("rules = %v", rules)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if s, _, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs changed = %v", s)
	}
}
