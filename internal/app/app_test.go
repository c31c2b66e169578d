package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"moontele/internal/config"
	"moontele/internal/services/broadcast"
	"moontele/internal/transport"
	"moontele/internal/watch"
)

type fakeResolver map[string]int64

func (f fakeResolver) ResolveUsername(_ context.Context, name string) (int64, error) {
	if id, ok := f[strings.ToLower(name)]; ok {
		return id, nil
	}
	return 0, transport.ErrNotFound
}

func TestResolveChat(t *testing.T) {
	t.Parallel()
	r := fakeResolver{"deals": -1007}
	cases := []struct {
		in   string
		want ChatRef
		kind transport.Kind
	}{
		{in: "-1001234", want: ChatRef{ChatID: -1001234}},
		{in: "@Deals", want: ChatRef{ChatID: -1007}},
		{in: "deals", want: ChatRef{ChatID: -1007}},
		{in: "https://t.me/c/555/9/120?single", want: ChatRef{ChatID: -100555, Topic: 9}},
		{in: "https://t.me/deals/44", want: ChatRef{ChatID: -1007}},
		{in: "", kind: transport.KindConfig},
		{in: "0", kind: transport.KindConfig},
		{in: "https://t.me/c/x/1", kind: transport.KindConfig},
		{in: "@ghost", kind: transport.KindPermanent},
	}
	for _, tc := range cases {
		got, err := ResolveChat(context.Background(), tc.in, r)
		if tc.kind != transport.KindUnknown {
			if err == nil || transport.Classify(err) != tc.kind {
				t.Fatalf("ResolveChat(%q) err = %v, want kind %v", tc.in, err, tc.kind)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ResolveChat(%q) = %+v, %v; want %+v", tc.in, got, err, tc.want)
		}
	}
}

func TestForwardRule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rule, err := forwardRule(ctx, config.ForwardRule{
		Source:    "https://t.me/c/555/9/120",
		Dest:      -200,
		DestTopic: 3,
		Keywords:  []string{"promo"},
		Mode:      "Copy",
	}, nil)
	if err != nil {
		t.Fatalf("forwardRule: %v", err)
	}
	if rule.Source != -100555 || rule.Topic != 9 || rule.Dest.ThreadID != 3 || rule.Mode != watch.RelayCopy {
		t.Fatalf("rule = %+v", rule)
	}
	if rule.Interval != watch.DefaultInterval || rule.Name != "-100555->-200" {
		t.Fatalf("defaults = %v %q", rule.Interval, rule.Name)
	}

	// The configured topic wins over the link's.
	rule, err = forwardRule(ctx, config.ForwardRule{Name: "n", Source: "https://t.me/c/555/9/120", Topic: 4, Dest: -200}, nil)
	if err != nil || rule.Topic != 4 {
		t.Fatalf("topic override = %+v, %v", rule, err)
	}

	if _, err := forwardRule(ctx, config.ForwardRule{Source: "-1", Dest: -2, Mode: "mirror"}, nil); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("bad mode err = %v", err)
	}
	if _, err := forwardRule(ctx, config.ForwardRule{Source: "-1", Dest: -2, Interval: "soon"}, nil); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("bad interval err = %v", err)
	}
}

func TestConfigMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Templates: config.TemplatesConfig{Account: "main"},
		Broadcast: config.BroadcastConfig{Mode: "forward", Delay: "2s", QueueSize: 4},
		Autocast: config.AutocastConfig{
			Enabled:  true,
			Timezone: "Asia/Jakarta",
			Schedules: []config.AutocastSchedule{
				{Schedule: "@every 1h", Text: "hi"},
				{Name: "night", Schedule: "0 0 21 * * *", Link: "https://t.me/deals/3", Mode: "forward", Timeout: "10m"},
			},
		},
	}
	bc, err := broadcastConfig(cfg)
	if err != nil || bc.Mode != broadcast.ModeForward || bc.Delay.Fixed != 2*time.Second || bc.QueueSize != 4 {
		t.Fatalf("broadcastConfig = %+v, %v", bc, err)
	}
	sc, err := schedulerConfig(cfg)
	if err != nil {
		t.Fatalf("schedulerConfig: %v", err)
	}
	if !sc.Enabled || sc.Account != "main" || len(sc.Schedules) != 2 {
		t.Fatalf("scheduler config = %+v", sc)
	}
	if s := sc.Schedules[0]; s.Name != "autocast-1" || s.Mode != broadcast.ModeCopy || s.Timeout <= 0 {
		t.Fatalf("schedule[0] = %+v", s)
	}
	if s := sc.Schedules[1]; s.Name != "night" || s.Mode != broadcast.ModeForward || s.Timeout != 10*time.Minute {
		t.Fatalf("schedule[1] = %+v", s)
	}

	cfg.Autocast.Schedules[0].Mode = "mirror"
	if _, err := schedulerConfig(cfg); err == nil {
		t.Fatalf("bad schedule mode accepted")
	}
}

func testEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Storage:   config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "archive.db")},
		Templates: config.TemplatesConfig{Path: filepath.Join(dir, "target_templates.json"), Default: "Promo Harian"},
		Logging:   config.LoggingConfig{Level: "error"},
	}
	env, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestBroadcastDryRun(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	env.Templates.Put("main", "promo", []transport.Target{{ChatID: -1, Title: "A"}, {ChatID: -2, Title: "B", ThreadID: 5}})

	st, err := Broadcast(context.Background(), env, BroadcastOptions{
		Template: "promo",
		Text:     "hello",
		Delay:    time.Millisecond,
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if st.Total != 2 || st.Failed != 0 || !st.Finished() {
		t.Fatalf("status = %+v", st)
	}
	if s := Summary(st); !strings.Contains(s, "2/2 sent") {
		t.Fatalf("summary = %q", s)
	}

	if _, err := Broadcast(context.Background(), env, BroadcastOptions{Template: "missing", Text: "x", DryRun: true}); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("missing template err = %v", err)
	}
}

func TestBroadcastUsesConfiguredDelay(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	env.Cfg.Broadcast.Delay = "1ms"
	env.Templates.Put("main", "promo", []transport.Target{{ChatID: -1}, {ChatID: -2}, {ChatID: -3}})

	// A random 5-10s pause per send would outlive this deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := Broadcast(ctx, env, BroadcastOptions{Template: "promo", Text: "hello", DryRun: true})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if st.Total != 3 || st.Failed != 0 || st.Cancelled {
		t.Fatalf("status = %+v", st)
	}
}

func TestBroadcastLinkPayloadFromArchive(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	ctx := context.Background()
	env.Templates.Put("main", "promo", []transport.Target{{ChatID: -9}})
	if err := env.Store.PutMessages(ctx, []transport.Message{{ID: 12, ChatID: -1005, Text: "from archive"}}); err != nil {
		t.Fatalf("PutMessages: %v", err)
	}
	st, err := Broadcast(ctx, env, BroadcastOptions{Template: "promo", Link: "https://t.me/c/5/12", DryRun: true})
	if err != nil || st.Total != 1 || st.Failed != 0 {
		t.Fatalf("Broadcast = %+v, %v", st, err)
	}
	if !strings.Contains(st.Payload, "-1005") {
		t.Fatalf("payload = %q", st.Payload)
	}
}

func TestAutocastDryRunUsesTextFile(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	env.Templates.Put("main", "Promo Harian", []transport.Target{{ChatID: -3}})
	file := filepath.Join(t.TempDir(), "promo.txt")
	if err := os.WriteFile(file, []byte("promo body"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := Autocast(context.Background(), env, AutocastOptions{TextFile: file, DryRun: true})
	if err != nil {
		t.Fatalf("Autocast: %v", err)
	}
	if out.JobID == "" || out.Status.Total != 1 || out.Status.Failed != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestScrapeAllArchivedChats(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	ctx := context.Background()
	for _, c := range []transport.Chat{{ID: -10, Title: "Alpha"}, {ID: -20, Title: "Beta"}} {
		if err := env.Store.PutChat(ctx, c); err != nil {
			t.Fatalf("PutChat: %v", err)
		}
		if err := env.Store.PutMessages(ctx, []transport.Message{{ID: 1, ChatID: c.ID, Text: "see https://a.example.com"}}); err != nil {
			t.Fatalf("PutMessages: %v", err)
		}
	}
	dir := t.TempDir()
	rep, err := Scrape(ctx, env, HarvestOptions{Chats: []string{"all"}, Dir: dir})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if rep.Summary.OK != 2 || rep.Messages != 2 || len(rep.Files) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(dir, "history_Alpha.txt")); err != nil {
		t.Fatalf("history file: %v", err)
	}

	rep, err = Extract(ctx, env, HarvestOptions{Chats: []string{"-10"}, Dir: dir})
	if err != nil || rep.Summary.OK != 1 || len(rep.Files) != 4 {
		t.Fatalf("Extract = %+v, %v", rep, err)
	}

	if _, err := Scrape(ctx, env, HarvestOptions{}); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("no chats err = %v", err)
	}
}

func TestStorageDisabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	env, err := Bootstrap(&config.Config{
		Storage:   config.StorageConfig{Driver: "none"},
		Templates: config.TemplatesConfig{Path: filepath.Join(dir, "t.json")},
		Logging:   config.LoggingConfig{Level: "error"},
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer env.Close()
	if _, err := env.Archive(); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("Archive err = %v", err)
	}
	if _, err := Import(context.Background(), env, ImportOptions{Path: dir}); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("Import err = %v", err)
	}
	if err := Watch(context.Background(), env, WatchOptions{Source: "-1", Dest: -2, DryRun: true}); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("Watch err = %v", err)
	}
}
