package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"moontele/internal/transport"
	"moontele/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type messageRow struct {
	ChatID   int64          `db:"chat_id"`
	ID       int            `db:"id"`
	ThreadID int            `db:"thread_id"`
	AlbumID  string         `db:"album_id"`
	Sender   string         `db:"sender"`
	Text     string         `db:"text"`
	Links    sql.NullString `db:"links"`
	At       string         `db:"at"`
}

func (r messageRow) message() transport.Message {
	m := transport.Message{
		ID:       r.ID,
		ChatID:   r.ChatID,
		ThreadID: r.ThreadID,
		AlbumID:  r.AlbumID,
		Sender:   r.Sender,
		Text:     r.Text,
	}
	if r.Links.Valid && r.Links.String != "" {
		_ = json.Unmarshal([]byte(r.Links.String), &m.Links)
	}
	m.Time, _ = time.Parse(time.RFC3339Nano, r.At)
	return m
}

func toMessages(rows []messageRow) []transport.Message {
	out := make([]transport.Message, len(rows))
	for i, r := range rows {
		out[i] = r.message()
	}
	return out
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutMessages(ctx context.Context, msgs []transport.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(chat_id, id, thread_id, album_id, sender, text, links, at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, id) DO UPDATE SET
		   thread_id=excluded.thread_id, album_id=excluded.album_id, sender=excluded.sender,
		   text=excluded.text, links=excluded.links, at=excluded.at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ChatID == 0 || m.ID <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			m.ChatID, m.ID, m.ThreadID, m.AlbumID, m.Sender, m.Text, linksJSON(m.Links), m.Time.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("put message %d/%d: %w", m.ChatID, m.ID, err)
		}
	}
	return tx.Commit()
}

const messageCols = `chat_id, id, thread_id, album_id, sender, text, links, at`

func (s *sqliteStore) LatestMessage(ctx context.Context, chatID int64) (transport.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageCols+` FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT 1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Message{}, transport.ErrNotFound
	}
	if err != nil {
		return transport.Message{}, err
	}
	return row.message(), nil
}

func (s *sqliteStore) MessagesSince(ctx context.Context, chatID int64, minID int, limit int) ([]transport.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageCols+` FROM messages WHERE chat_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		chatID, minID, limit)
	if err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func (s *sqliteStore) MessagesByIDs(ctx context.Context, chatID int64, ids []int) ([]transport.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT `+messageCols+` FROM messages WHERE chat_id = ? AND id IN (?) ORDER BY id ASC`, chatID, ids)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func (s *sqliteStore) PutChat(ctx context.Context, c transport.Chat) error {
	if c.ID == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, title, username, type) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, username=excluded.username, type=excluded.type`,
		c.ID, c.Title, c.Username, c.Type)
	return err
}

func (s *sqliteStore) ChatByUsername(ctx context.Context, username string) (transport.Chat, error) {
	name := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if name == "" {
		return transport.Chat{}, transport.ErrNotFound
	}
	var c transport.Chat
	err := s.db.GetContext(ctx, &c, `SELECT id, title, username, type FROM chats WHERE username = ? COLLATE NOCASE LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Chat{}, transport.ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) Chats(ctx context.Context) ([]transport.Chat, error) {
	var out []transport.Chat
	if err := s.db.SelectContext(ctx, &out, `SELECT id, title, username, type FROM chats ORDER BY id`); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, job, action, source, template, total, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Job, e.Action, nullStr(e.Source), nullStr(e.Template),
		e.Total, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func linksJSON(links []string) any {
	if len(links) == 0 {
		return nil
	}
	b, _ := json.Marshal(links)
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
