package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"moontele/internal/app"
	"moontele/internal/config"
)

const usage = `moontele: Telegram stream watch, extraction and broadcast

Usage:
  moontele [global flags] <command> [flags]

Commands:
  run        daemon: archive updates, forward rules, autocast schedules
  watch      relay new messages from one chat to another
  scrape     write chat history files from the archive
  extract    collect links, domains and IPs from archived chats
  broadcast  send one message to every target of a template
  autocast   one unattended broadcast (template and promo text defaults)
  import     load a Telegram Desktop export into the archive

Global flags:
`

type globals struct {
	config string
	env    []string
	dryRun bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var g globals
	fs := pflag.NewFlagSet("moontele", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVarP(&g.config, "config", "c", "", "config file (json or yaml; default ./config.yaml or ./config.json when present)")
	fs.StringSliceVar(&g.env, "env", nil, ".env files to load (default .env)")
	fs.BoolVar(&g.dryRun, "dry-run", false, "record sends instead of delivering them")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return pflag.ErrHelp
	}

	if err := config.LoadDotEnv(g.env...); err != nil {
		return err
	}
	if g.config == "" {
		g.config = defaultConfigPath()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "run" {
		return runDaemon(ctx, g)
	}
	h, ok := commands[cmd]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	cfg, err := config.NewConfigManager(g.config).Load()
	if err != nil {
		return err
	}
	env, err := app.Bootstrap(cfg)
	if err != nil {
		return err
	}
	defer env.Close()
	return h(ctx, env, g, cmdArgs)
}

func defaultConfigPath() string {
	for _, p := range []string{"config.yaml", "config.yml", "config.json"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func runDaemon(ctx context.Context, g globals) error {
	a, err := app.NewApp(ctx, config.NewConfigManager(g.config), g.dryRun)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), "start failed")
		return err
	}

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "fatal"
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

type handler func(ctx context.Context, env *app.Env, g globals, args []string) error

var commands = map[string]handler{
	"watch":     watchCmd,
	"scrape":    scrapeCmd,
	"extract":   extractCmd,
	"broadcast": broadcastCmd,
	"autocast":  autocastCmd,
	"import":    importCmd,
}

func newFlags(name, synopsis string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: moontele %s %s\n\nFlags:\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func watchCmd(ctx context.Context, env *app.Env, g globals, args []string) error {
	var opt app.WatchOptions
	fs := newFlags("watch", "--source <chat> --dest <chat id> [flags]")
	fs.StringVar(&opt.Source, "source", "", "source chat: id, @username or t.me link")
	fs.IntVar(&opt.Topic, "topic", 0, "only messages in this forum topic")
	fs.Int64Var(&opt.Dest, "dest", 0, "destination chat id")
	fs.IntVar(&opt.DestTopic, "dest-topic", 0, "destination forum topic")
	fs.StringSliceVarP(&opt.Keywords, "keyword", "k", nil, "keywords (any match, case-insensitive)")
	fs.DurationVar(&opt.Interval, "interval", 0, "poll interval (default 5s)")
	fs.StringVar(&opt.Mode, "mode", "", "relay mode: text or copy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt.DryRun = g.dryRun
	return app.Watch(ctx, env, opt)
}

func harvestFlags(name string, opt *app.HarvestOptions, merge bool) *pflag.FlagSet {
	fs := newFlags(name, "[--chat <ref>]... [chat refs...]")
	fs.StringSliceVar(&opt.Chats, "chat", nil, `chats: id, @username, t.me link or "all"`)
	fs.IntVar(&opt.Limit, "limit", 0, "messages per chat, newest first (0 = all)")
	fs.IntVar(&opt.Concurrency, "concurrency", 0, "chats processed at once (default 5)")
	fs.StringVar(&opt.Dir, "dir", "", "output directory")
	if merge {
		fs.StringVar(&opt.Merge, "merge", "", "write every chat into this one file")
	}
	return fs
}

func scrapeCmd(ctx context.Context, env *app.Env, _ globals, args []string) error {
	var opt app.HarvestOptions
	fs := harvestFlags("scrape", &opt, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt.Chats = append(opt.Chats, fs.Args()...)
	rep, err := app.Scrape(ctx, env, opt)
	if err != nil {
		return err
	}
	fmt.Printf("scraped %d messages from %d/%d chats in %s\n", rep.Messages, rep.Summary.OK, rep.Summary.Total, rep.Took.Round(time.Millisecond))
	for _, f := range rep.Files {
		fmt.Println("  " + f)
	}
	return nil
}

func extractCmd(ctx context.Context, env *app.Env, _ globals, args []string) error {
	var opt app.HarvestOptions
	fs := harvestFlags("extract", &opt, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt.Chats = append(opt.Chats, fs.Args()...)
	rep, err := app.Extract(ctx, env, opt)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d messages from %d/%d chats\n", rep.Messages, rep.Summary.OK, rep.Summary.Total)
	for _, f := range rep.Files {
		fmt.Println("  " + f)
	}
	return nil
}

func broadcastCmd(ctx context.Context, env *app.Env, g globals, args []string) error {
	var opt app.BroadcastOptions
	fs := newFlags("broadcast", "--template <name> (--text <s> | --text-file <path> | --link <t.me link>)")
	fs.StringVarP(&opt.Template, "template", "t", "", "template name (default TG_TEMPLATE_NAME)")
	fs.StringVar(&opt.Text, "text", "", "message text")
	fs.StringVar(&opt.TextFile, "text-file", "", "read message text from a file")
	fs.StringVar(&opt.Link, "link", "", "replay the message (or album) at this t.me link")
	fs.StringVar(&opt.Mode, "mode", "", "replay mode: copy or forward")
	fs.DurationVar(&opt.Delay, "delay", 0, "fixed pause between sends (default broadcast.delay, 5s)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt.DryRun = g.dryRun
	st, err := app.Broadcast(ctx, env, opt)
	if st.ID != "" {
		fmt.Println(app.Summary(st))
	}
	return err
}

func autocastCmd(ctx context.Context, env *app.Env, g globals, args []string) error {
	var opt app.AutocastOptions
	fs := newFlags("autocast", "[flags]")
	fs.StringVarP(&opt.Template, "template", "t", "", "template name (default TG_TEMPLATE_NAME, then \"Promo Harian\")")
	fs.StringVar(&opt.TextFile, "text-file", "", "message file (default promo.txt)")
	fs.StringVar(&opt.Text, "text", "", "message text when the file is missing")
	fs.StringVar(&opt.Link, "link", "", "replay the message at this t.me link instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opt.DryRun = g.dryRun
	out, err := app.Autocast(ctx, env, opt)
	if out.JobID != "" {
		fmt.Println(app.Summary(out.Status))
	}
	return err
}

func importCmd(ctx context.Context, env *app.Env, _ globals, args []string) error {
	var opt app.ImportOptions
	fs := newFlags("import", "[--chat-id <id>] <export dir or file>")
	fs.Int64Var(&opt.ChatID, "chat-id", 0, "chat id for the export (required for HTML exports)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("import needs exactly one path")
	}
	opt.Path = strings.TrimSpace(fs.Arg(0))
	st, err := app.Import(ctx, env, opt)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d messages from %d file(s) into %s (%d) in %s\n",
		st.Messages, st.Files, st.Title, st.ChatID, st.Took.Round(time.Millisecond))
	return nil
}
