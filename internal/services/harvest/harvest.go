package harvest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"moontele/internal/extract"
	"moontele/internal/task/engine"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

const (
	mediaPlaceholder = "[Media/Non-text content]"
	unknownSender    = "Unknown"
	timeLayout       = "2006-01-02 15:04:05"
	progressEvery    = 100
)

var (
	messageRule = strings.Repeat("-", 50)
	bannerRule  = strings.Repeat("=", 50)
)

// Options controls a bulk run.
type Options struct {
	// Limit caps messages per chat, newest first. <= 0 reads everything.
	Limit int
	// Concurrency caps chats processed at once (default engine.DefaultLimit).
	Concurrency int
	// Dir receives the output files.
	Dir string
	// Merge, when set, writes every chat into this one file, sequentially
	// and in target order.
	Merge string
}

// Report summarizes a bulk run. One failing chat never stops the others.
type Report struct {
	Results  []engine.Result[transport.Target]
	Summary  engine.Summary
	Messages int64
	Files    []string
	Took     time.Duration
}

type Harvester struct {
	src transport.Source
	log logx.Logger
}

func New(src transport.Source, log logx.Logger) *Harvester {
	return &Harvester{src: src, log: log.OrNop().With(logx.String("comp", "harvest"))}
}

// Scrape writes the history of every target to text files.
func (h *Harvester) Scrape(ctx context.Context, targets []transport.Target, opt Options) (Report, error) {
	start := time.Now()
	dir := opt.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Report{}, fmt.Errorf("create output dir: %w", err)
	}

	var rep Report
	var total atomic.Int64
	if opt.Merge != "" {
		path := filepath.Join(dir, opt.Merge)
		f, err := os.Create(path)
		if err != nil {
			return Report{}, fmt.Errorf("create merged file: %w", err)
		}
		w := bufio.NewWriter(f)
		// Merged output is written in target order; one chat at a time.
		rep.Results = engine.Run(ctx, targets, 1, func(ctx context.Context, t transport.Target) error {
			fmt.Fprintf(w, "\n%s\nSOURCE: %s\n%s\n\n", bannerRule, DisplayTitle(t), bannerRule)
			n, err := h.scrapeTo(ctx, w, t, opt.Limit)
			total.Add(int64(n))
			return err
		})
		if err := errors.Join(w.Flush(), f.Close()); err != nil {
			return Report{}, fmt.Errorf("write merged file: %w", err)
		}
		rep.Files = []string{path}
	} else {
		names := FileNames(targets)
		rep.Results = engine.Run(ctx, targets, opt.Concurrency, func(ctx context.Context, t transport.Target) error {
			n, err := h.scrapeFile(ctx, filepath.Join(dir, names[t]), t, opt.Limit)
			total.Add(int64(n))
			return err
		})
		for _, r := range rep.Results {
			if r.OK() {
				rep.Files = append(rep.Files, filepath.Join(dir, names[r.Item]))
			}
		}
	}
	rep.Summary = engine.Summarize(rep.Results)
	rep.Messages = total.Load()
	rep.Took = time.Since(start)
	h.logDone("scrape", rep)
	return rep, nil
}

func (h *Harvester) scrapeFile(ctx context.Context, path string, t transport.Target, limit int) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	n, err := h.scrapeTo(ctx, w, t, limit)
	if werr := errors.Join(w.Flush(), f.Close()); err == nil {
		err = werr
	}
	if err == nil {
		h.log.Info("history saved", logx.String("chat", t.Label()), logx.String("file", path), logx.Int("messages", n))
	}
	return n, err
}

func (h *Harvester) scrapeTo(ctx context.Context, w io.Writer, t transport.Target, limit int) (int, error) {
	msgs, err := History(ctx, h.src, t, limit)
	if err != nil {
		return 0, err
	}
	for i, m := range msgs {
		if _, err := io.WriteString(w, FormatLine(m)); err != nil {
			return i, err
		}
		if (i+1)%progressEvery == 0 {
			h.log.Debug("scrape progress", logx.String("chat", t.Label()), logx.Int("messages", i+1))
		}
	}
	return len(msgs), nil
}

// FormatLine renders one message followed by the 50-dash separator line.
func FormatLine(m transport.Message) string {
	sender := m.Sender
	if sender == "" {
		sender = unknownSender
	}
	content := m.Text
	if content == "" {
		content = mediaPlaceholder
	}
	return fmt.Sprintf("[%s] %s: %s\n%s\n", m.Time.UTC().Format(timeLayout), sender, content, messageRule)
}

// Extract scans the history of every target into one shared collector and
// writes the result files into opt.Dir.
func (h *Harvester) Extract(ctx context.Context, targets []transport.Target, opt Options) (extract.Result, Report, error) {
	start := time.Now()
	col := extract.NewCollector()
	var total atomic.Int64

	results := engine.Run(ctx, targets, opt.Concurrency, func(ctx context.Context, t transport.Target) error {
		msgs, err := History(ctx, h.src, t, opt.Limit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			col.ExtractMessage(m)
		}
		total.Add(int64(len(msgs)))
		h.log.Debug("chat scanned", logx.String("chat", t.Label()), logx.Int("messages", len(msgs)))
		return nil
	})

	res := col.Snapshot()
	rep := Report{Results: results, Summary: engine.Summarize(results), Messages: total.Load()}
	dir := opt.Dir
	if dir == "" {
		dir = "."
	}
	if err := extract.WriteFiles(dir, res); err != nil {
		return res, rep, err
	}
	for _, name := range []string{extract.LinksFile, extract.DomainsFile, extract.IPsFile, extract.CombinedFile} {
		rep.Files = append(rep.Files, filepath.Join(dir, name))
	}
	rep.Took = time.Since(start)
	h.logDone("extract", rep,
		logx.Int("links", len(res.Links)), logx.Int("domains", len(res.Domains)), logx.Int("ips", len(res.IPs)))
	return res, rep, nil
}

func (h *Harvester) logDone(op string, rep Report, extra ...logx.Field) {
	fields := append([]logx.Field{
		logx.String("op", op),
		logx.Int("chats", rep.Summary.Total),
		logx.Int("ok", rep.Summary.OK),
		logx.Int("failed", rep.Summary.Failed),
		logx.Int64("messages", rep.Messages),
		logx.Duration("took", rep.Took),
	}, extra...)
	h.log.Info("harvest finished", fields...)
	for _, r := range engine.Errors(rep.Results) {
		h.log.Warn("chat failed", logx.String("op", op), logx.String("chat", r.Item.Label()), logx.Err(r.Err))
	}
}
