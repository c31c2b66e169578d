package broadcast

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"moontele/internal/transport"
)

type PayloadKind int

const (
	PayloadText PayloadKind = iota + 1
	PayloadMessage
	PayloadAlbum
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadMessage:
		return "message"
	case PayloadAlbum:
		return "album"
	default:
		return "invalid"
	}
}

// Payload is what gets sent to every target: literal text, or a replay of
// one observed message or one album.
type Payload struct {
	Kind       PayloadKind
	Text       string
	FromChatID int64
	Messages   []transport.Message
}

func TextPayload(text string) Payload { return Payload{Kind: PayloadText, Text: text} }

func MessagePayload(m transport.Message) Payload {
	return Payload{Kind: PayloadMessage, FromChatID: m.ChatID, Messages: []transport.Message{m}}
}

// AlbumPayload orders the items by id.
func AlbumPayload(items []transport.Message) Payload {
	sorted := append([]transport.Message(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	p := Payload{Kind: PayloadAlbum, Messages: sorted}
	if len(sorted) > 0 {
		p.FromChatID = sorted[0].ChatID
	}
	return p
}

func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return transport.Errorf(transport.KindConfig, "broadcast text is empty")
		}
	case PayloadMessage, PayloadAlbum:
		if len(p.Messages) == 0 || p.FromChatID == 0 {
			return transport.Errorf(transport.KindConfig, "replay payload has no source message")
		}
	default:
		return transport.Errorf(transport.KindConfig, "unknown payload kind %d", p.Kind)
	}
	return nil
}

// IDs returns the replayed message ids, ascending.
func (p Payload) IDs() []int {
	ids := make([]int, len(p.Messages))
	for i, m := range p.Messages {
		ids[i] = m.ID
	}
	return ids
}

// Caption is the text of the first replayed item that has one.
func (p Payload) Caption() string {
	for _, m := range p.Messages {
		if strings.TrimSpace(m.Text) != "" {
			return m.Text
		}
	}
	return ""
}

// Describe renders the payload for logs and audit entries.
func (p Payload) Describe() string {
	switch p.Kind {
	case PayloadText:
		return fmt.Sprintf("text(%d chars)", len([]rune(p.Text)))
	case PayloadMessage, PayloadAlbum:
		return fmt.Sprintf("%s %d/%v", p.Kind, p.FromChatID, p.IDs())
	default:
		return p.Kind.String()
	}
}

// AlbumWindow is how far around a source id siblings are looked up. It
// assumes albums of at most 10 items with contiguous ids; a larger or
// interleaved album can be cut short.
const AlbumWindow = 9

// ResolvePayload fetches a message to replay. When it belongs to an album,
// the siblings within AlbumWindow that share its grouping id are replayed
// together, ascending.
func ResolvePayload(ctx context.Context, src transport.Source, chatID int64, msgID int) (Payload, error) {
	found, err := src.FetchByIDs(ctx, chatID, []int{msgID})
	if err != nil {
		return Payload{}, fmt.Errorf("fetch message %d: %w", msgID, err)
	}
	if len(found) == 0 {
		return Payload{}, transport.Wrap(transport.KindPermanent, fmt.Sprintf("fetch message %d", msgID), transport.ErrNotFound)
	}
	primary := found[0]
	if primary.ChatID == 0 {
		primary.ChatID = chatID
	}
	if primary.AlbumID == "" {
		return MessagePayload(primary), nil
	}

	ids := make([]int, 0, 2*AlbumWindow+1)
	for id := msgID - AlbumWindow; id <= msgID+AlbumWindow; id++ {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	window, err := src.FetchByIDs(ctx, chatID, ids)
	if err != nil {
		return Payload{}, fmt.Errorf("fetch album window of %d: %w", msgID, err)
	}
	group := make([]transport.Message, 0, len(window))
	for _, m := range window {
		if m.AlbumID == primary.AlbumID {
			if m.ChatID == 0 {
				m.ChatID = chatID
			}
			group = append(group, m)
		}
	}
	if len(group) == 0 {
		return MessagePayload(primary), nil
	}
	return AlbumPayload(group), nil
}
