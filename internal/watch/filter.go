package watch

import (
	"strings"

	"moontele/internal/transport"
)

// Watermark is the highest message id seen on one stream. It only moves
// forward and lives for one monitoring session.
type Watermark struct {
	StreamID int64
	LastSeen int
}

func NewWatermark(stream int64, initial int) Watermark {
	if initial < 0 {
		initial = 0
	}
	return Watermark{StreamID: stream, LastSeen: initial}
}

// Advance raises the watermark to id if id is higher.
func (w *Watermark) Advance(id int) {
	if id > w.LastSeen {
		w.LastSeen = id
	}
}

// PollWindow is the exclusive lower bound for the next fetch.
func (w Watermark) PollWindow() int { return w.LastSeen }

// Filter scopes a stream to one topic and a keyword list. Both are optional
// and combine with AND.
type Filter struct {
	TopicID  int
	keywords []string
}

func NewFilter(topicID int, keywords []string) Filter {
	f := Filter{TopicID: topicID}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	return f
}

// Keywords returns the normalized keyword list.
func (f Filter) Keywords() []string { return append([]string(nil), f.keywords...) }

func (f Filter) Matches(m transport.Message) bool {
	if f.TopicID != 0 && m.ThreadID != f.TopicID {
		return false
	}
	if len(f.keywords) == 0 {
		return true
	}
	if m.Text == "" {
		return false
	}
	text := strings.ToLower(m.Text)
	for _, k := range f.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
