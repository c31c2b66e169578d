package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEdited  UpdateKind = "edited"
)

// Update is an inbound event pushed by an adapter. Chat carries the chat
// metadata seen alongside the message so it can be kept in the directory.
type Update struct {
	Kind    UpdateKind
	Message *Message
	Chat    *Chat
}

// Message is one observed message of a stream.
//
// ID increases monotonically within ChatID. ThreadID is the reply scope
// (forum topic anchor), 0 if none. AlbumID groups the items of one album,
// "" if the message is not part of an album.
type Message struct {
	ID       int       `json:"id"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	AlbumID  string    `json:"album_id,omitempty"`
	Sender   string    `json:"sender,omitempty"`
	Text     string    `json:"text,omitempty"`
	Links    []string  `json:"links,omitempty"` // hidden link targets (text_link entities)
	Time     time.Time `json:"time"`
}

// Chat is a directory entry used to resolve public usernames to ids.
type Chat struct {
	ID       int64  `json:"id"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Target is one send destination. ThreadID scopes the send into a forum
// topic when non-zero.
type Target struct {
	ChatID     int64  `json:"chat_id"`
	Title      string `json:"chat_title,omitempty"`
	ThreadID   int    `json:"topic_id,omitempty"`
	TopicTitle string `json:"topic_title,omitempty"`
}

// Label renders the target for logs and reports.
func (t Target) Label() string {
	name := t.Title
	if name == "" {
		name = formatChatID(t.ChatID)
	}
	if t.TopicTitle != "" {
		return name + " (Topic: " + t.TopicTitle + ")"
	}
	return name
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Replay describes a clean copy of existing messages. Caption is the text
// carried by the first item that has one; sinks that re-upload content use
// it as the album caption.
type Replay struct {
	FromChatID int64
	MessageIDs []int
	Caption    string
}

// Source is the read side of the message service.
type Source interface {
	// FetchLatest returns the newest message of a chat, or ErrNotFound.
	FetchLatest(ctx context.Context, chatID int64) (Message, error)
	// FetchSince returns messages with ID > minID in ascending order.
	// limit <= 0 means unbounded.
	FetchSince(ctx context.Context, chatID int64, minID int, limit int) ([]Message, error)
	// FetchByIDs returns the requested messages that exist, ascending.
	FetchByIDs(ctx context.Context, chatID int64, ids []int) ([]Message, error)
}

// Sink is the write side of the message service.
type Sink interface {
	SendText(ctx context.Context, to Target, text string, opt *SendOptions) (MessageRef, error)
	SendCopy(ctx context.Context, to Target, r Replay) ([]MessageRef, error)
	SendForward(ctx context.Context, to Target, fromChatID int64, ids []int) ([]MessageRef, error)
}

// Service is the full message service collaborator.
type Service interface {
	Source
	Sink
}

// ChatResolver maps a public username to a chat id.
type ChatResolver interface {
	ResolveUsername(ctx context.Context, username string) (int64, error)
}
