// Package importer loads Telegram Desktop chat exports into the message
// archive. The Bot API cannot read history that predates the bot, so an
// export is the only way to backfill a stream.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"moontele/internal/storage"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

const batchSize = 500

// Export is one parsed chat export.
type Export struct {
	Chat     transport.Chat
	Messages []transport.Message
}

// Stats reports an import.
type Stats struct {
	ChatID   int64
	Title    string
	Files    int
	Messages int
	Took     time.Duration
}

// Load parses an export at path: a result.json file, a messages*.html
// file, or an export directory containing either.
func Load(path string, chatID int64) (Export, int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Export{}, 0, err
	}
	if !fi.IsDir() {
		exp, err := loadFile(path, chatID)
		return exp, 1, err
	}

	if js := filepath.Join(path, "result.json"); fileExists(js) {
		exp, err := loadFile(js, chatID)
		return exp, 1, err
	}
	pages, err := filepath.Glob(filepath.Join(path, "messages*.html"))
	if err != nil {
		return Export{}, 0, err
	}
	if len(pages) == 0 {
		return Export{}, 0, errNoMessages(path)
	}
	sort.Slice(pages, func(i, j int) bool {
		return htmlPageNumber(filepath.Base(pages[i])) < htmlPageNumber(filepath.Base(pages[j]))
	})

	var out Export
	for _, p := range pages {
		exp, err := loadFile(p, chatID)
		if err != nil {
			return Export{}, 0, err
		}
		if out.Chat.Title == "" {
			out.Chat = exp.Chat
		}
		out.Messages = append(out.Messages, exp.Messages...)
	}
	return out, len(pages), nil
}

func loadFile(path string, chatID int64) (Export, error) {
	f, err := os.Open(path)
	if err != nil {
		return Export{}, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(f, chatID)
	case ".html", ".htm":
		if chatID == 0 {
			return Export{}, transport.Errorf(transport.KindConfig, "%s: HTML exports need an explicit chat id", path)
		}
		return ParseHTML(f, chatID)
	default:
		return Export{}, transport.Errorf(transport.KindConfig, "unsupported export file %s", path)
	}
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

type Importer struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Importer {
	return &Importer{store: store, log: log.OrNop().With(logx.String("comp", "importer"))}
}

// Import loads the export at path into the archive. Messages already in the
// archive are replaced.
func (im *Importer) Import(ctx context.Context, path string, chatID int64) (Stats, error) {
	start := time.Now()
	exp, files, err := Load(path, chatID)
	if err != nil {
		return Stats{}, err
	}
	if len(exp.Messages) == 0 {
		return Stats{}, errNoMessages(path)
	}
	if exp.Chat.ID == 0 {
		return Stats{}, transport.Errorf(transport.KindConfig, "%s: export has no chat id; pass one explicitly", path)
	}
	if err := im.store.PutChat(ctx, exp.Chat); err != nil {
		return Stats{}, fmt.Errorf("save chat: %w", err)
	}
	for i := 0; i < len(exp.Messages); i += batchSize {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		end := min(i+batchSize, len(exp.Messages))
		if err := im.store.PutMessages(ctx, exp.Messages[i:end]); err != nil {
			return Stats{}, fmt.Errorf("save messages %d..%d: %w", i, end, err)
		}
	}
	st := Stats{
		ChatID:   exp.Chat.ID,
		Title:    exp.Chat.Title,
		Files:    files,
		Messages: len(exp.Messages),
		Took:     time.Since(start),
	}
	im.log.Info("export imported",
		logx.Int64("chat_id", st.ChatID), logx.String("title", st.Title),
		logx.Int("files", st.Files), logx.Int("messages", st.Messages), logx.Duration("took", st.Took))
	return st, nil
}
