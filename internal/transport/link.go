package transport

import (
	"context"
	"strconv"
	"strings"
)

// MessageLink is a parsed t.me message reference.
// Exactly one of ChatID / Username is set.
type MessageLink struct {
	ChatID    int64
	Username  string
	ThreadID  int
	MessageID int
}

// ParseMessageLink parses links of the forms
//
//	https://t.me/<username>/<id>
//	https://t.me/<username>/<topic>/<id>
//	https://t.me/c/<internal>/<id>
//	https://t.me/c/<internal>/<topic>/<id>
//
// Private (/c/) links map to the Bot API chat id -100<internal>.
func ParseMessageLink(raw string) (MessageLink, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	idx := strings.Index(s, "t.me/")
	if idx < 0 {
		return MessageLink{}, Errorf(KindConfig, "invalid message link %q: expected a t.me link", raw)
	}
	parts := strings.Split(strings.Trim(s[idx+len("t.me/"):], "/"), "/")
	if len(parts) < 2 {
		return MessageLink{}, Errorf(KindConfig, "invalid message link %q: missing message id", raw)
	}

	msgID, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || msgID <= 0 {
		return MessageLink{}, Errorf(KindConfig, "invalid message link %q: bad message id", raw)
	}

	var out MessageLink
	out.MessageID = msgID
	rest := parts[:len(parts)-1]

	if rest[0] == "c" {
		if len(rest) < 2 {
			return MessageLink{}, Errorf(KindConfig, "invalid message link %q: missing chat id", raw)
		}
		internal, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil || internal <= 0 {
			return MessageLink{}, Errorf(KindConfig, "invalid message link %q: bad chat id", raw)
		}
		chatID, _ := strconv.ParseInt("-100"+rest[1], 10, 64)
		out.ChatID = chatID
		rest = rest[2:]
	} else {
		out.Username = strings.TrimPrefix(rest[0], "@")
		rest = rest[1:]
	}

	if len(rest) == 1 {
		if topic, err := strconv.Atoi(rest[0]); err == nil {
			out.ThreadID = topic
		}
	}
	return out, nil
}

// ResolveChat returns the numeric chat id of l, asking r for usernames.
func (l MessageLink) ResolveChat(ctx context.Context, r ChatResolver) (int64, error) {
	if l.ChatID != 0 {
		return l.ChatID, nil
	}
	if r == nil {
		return 0, Errorf(KindConfig, "cannot resolve @%s: no resolver", l.Username)
	}
	id, err := r.ResolveUsername(ctx, l.Username)
	if err != nil {
		return 0, Wrap(Classify(err), "resolve @"+l.Username, err)
	}
	return id, nil
}
