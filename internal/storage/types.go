// Package storage persists what the bot observes and does.
//
// It keeps:
//   - the message archive (serves history fetches for watchers and replays)
//   - a chat directory (username -> chat id)
//   - the broadcast audit log
package storage

import (
	"context"
	"errors"
	"time"

	"moontele/internal/transport"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl journals next to Path
//   - "sqlite": SQLite database file at Path (default)
//   - "none": storage disabled
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the adapter and services.
type Store interface {
	// PutMessages inserts or replaces messages keyed by (ChatID, ID).
	PutMessages(ctx context.Context, msgs []transport.Message) error
	// LatestMessage returns the highest-id message of a chat or transport.ErrNotFound.
	LatestMessage(ctx context.Context, chatID int64) (transport.Message, error)
	// MessagesSince returns messages with ID > minID ascending. limit <= 0 is unbounded.
	MessagesSince(ctx context.Context, chatID int64, minID int, limit int) ([]transport.Message, error)
	// MessagesByIDs returns the existing messages among ids, ascending.
	MessagesByIDs(ctx context.Context, chatID int64, ids []int) ([]transport.Message, error)

	PutChat(ctx context.Context, c transport.Chat) error
	// ChatByUsername looks a chat up case-insensitively, or transport.ErrNotFound.
	ChatByUsername(ctx context.Context, username string) (transport.Chat, error)
	Chats(ctx context.Context) ([]transport.Chat, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records one finished broadcast job.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Job      string    `json:"job"`
	Action   string    `json:"action"`
	Source   string    `json:"source,omitempty"`
	Template string    `json:"template,omitempty"`
	Total    int       `json:"total"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	Meta     string    `json:"meta,omitempty"`
}
