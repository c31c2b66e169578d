package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"moontele/internal/transport"
)

type jsonExport struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	ID       int64         `json:"id"`
	Messages []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	ID           int             `json:"id"`
	Type         string          `json:"type"`
	Date         string          `json:"date"`
	DateUnix     string          `json:"date_unixtime"`
	From         string          `json:"from"`
	Actor        string          `json:"actor"`
	ReplyTo      int             `json:"reply_to_message_id"`
	MediaGroupID string          `json:"media_group_id"`
	Text         json.RawMessage `json:"text"`
}

// textPart is one element of a rich "text" array.
type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Href string `json:"href"`
}

// ParseJSON reads result.json of a Telegram Desktop export. chatID
// overrides the exported id when non-zero; otherwise channels and
// supergroups get the -100 prefix the Bot API uses.
func ParseJSON(r io.Reader, chatID int64) (Export, error) {
	var raw jsonExport
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Export{}, fmt.Errorf("decode result.json: %w", err)
	}
	if chatID == 0 {
		chatID = botAPIChatID(raw.Type, raw.ID)
	}
	exp := Export{Chat: transport.Chat{ID: chatID, Title: raw.Name, Type: raw.Type}}
	for _, jm := range raw.Messages {
		if jm.Type != "message" || jm.ID <= 0 {
			continue
		}
		text, links := flattenText(jm.Text)
		exp.Messages = append(exp.Messages, transport.Message{
			ID:       jm.ID,
			ChatID:   chatID,
			ThreadID: jm.ReplyTo,
			AlbumID:  jm.MediaGroupID,
			Sender:   jm.From,
			Text:     text,
			Links:    links,
			Time:     jsonTime(jm),
		})
	}
	return exp, nil
}

func botAPIChatID(kind string, id int64) int64 {
	if id <= 0 {
		return id
	}
	switch kind {
	case "public_channel", "private_channel", "public_supergroup", "private_supergroup":
		v, err := strconv.ParseInt("-100"+strconv.FormatInt(id, 10), 10, 64)
		if err == nil {
			return v
		}
	case "private_group":
		return -id
	}
	return id
}

// flattenText accepts the plain string form and the mixed array form
// (strings and entity objects). text_link targets are returned as links.
func flattenText(raw json.RawMessage) (string, []string) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}
	var b strings.Builder
	var links []string
	for _, p := range parts {
		if err := json.Unmarshal(p, &s); err == nil {
			b.WriteString(s)
			continue
		}
		var tp textPart
		if err := json.Unmarshal(p, &tp); err != nil {
			continue
		}
		b.WriteString(tp.Text)
		if tp.Type == "text_link" && tp.Href != "" {
			links = append(links, tp.Href)
		}
	}
	return b.String(), links
}

func jsonTime(m jsonMessage) time.Time {
	if sec, err := strconv.ParseInt(m.DateUnix, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", m.Date, time.Local); err == nil {
		return t
	}
	return time.Time{}
}
