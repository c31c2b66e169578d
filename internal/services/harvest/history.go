// Package harvest reads chat history in bulk: scraping it to text files and
// running the extraction engine over many chats at once.
package harvest

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"moontele/internal/transport"
)

// History returns up to limit messages of t, newest first. When t names a
// topic only messages in that reply scope are kept. limit <= 0 means all.
func History(ctx context.Context, src transport.Source, t transport.Target, limit int) ([]transport.Message, error) {
	all, err := src.FetchSince(ctx, t.ChatID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch history of %s: %w", t.Label(), err)
	}
	out := make([]transport.Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if t.ThreadID != 0 && m.ThreadID != t.ThreadID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Sanitize keeps letters, digits, spaces, '-' and '_' and trims the result.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// FileName is the per-chat scrape file: history_<chat>[_<topic>|_topic<id>].txt.
// A title with nothing left after Sanitize falls back to the chat id.
func FileName(t transport.Target) string {
	chat := Sanitize(t.Title)
	if chat == "" {
		chat = strconv.FormatInt(t.ChatID, 10)
	}
	name := "history_" + chat
	topic := Sanitize(t.TopicTitle)
	switch {
	case topic != "":
		name += "_" + topic
	case t.ThreadID != 0:
		name += fmt.Sprintf("_topic%d", t.ThreadID)
	}
	return name + ".txt"
}

// FileNames assigns a scrape file to every distinct target. Targets whose
// FileName would collide get their chat id (and topic id) appended.
func FileNames(targets []transport.Target) map[transport.Target]string {
	byName := make(map[string][]transport.Target, len(targets))
	for _, t := range targets {
		n := FileName(t)
		if !slices.Contains(byName[n], t) {
			byName[n] = append(byName[n], t)
		}
	}
	out := make(map[transport.Target]string, len(targets))
	for n, ts := range byName {
		if len(ts) == 1 {
			out[ts[0]] = n
			continue
		}
		base := strings.TrimSuffix(n, ".txt")
		for _, t := range ts {
			suffix := "_" + strconv.FormatInt(t.ChatID, 10)
			if t.ThreadID != 0 {
				suffix += "_" + strconv.Itoa(t.ThreadID)
			}
			out[t] = base + suffix + ".txt"
		}
	}
	return out
}

// DisplayTitle is the "title - topic" label used in merged file banners.
func DisplayTitle(t transport.Target) string {
	title := t.Title
	if title == "" {
		title = fmt.Sprintf("%d", t.ChatID)
	}
	if t.TopicTitle != "" {
		return title + " - " + t.TopicTitle
	}
	return title
}
