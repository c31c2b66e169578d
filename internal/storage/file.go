package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"moontele/internal/transport"
	"moontele/pkg/logx"
)

// fileStore keeps everything in memory and journals writes to disk.
//
// Files:
//   - <prefix>.messages.jsonl (append-only; later records win)
//   - <prefix>.chats.jsonl    (append-only; later records win)
//   - <prefix>.audit.jsonl    (append-only)
//   - <prefix>.lock           (held while open; one process per prefix)
//
// The message journal is rewritten without superseded records every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	lock      *flock.Flock
	msgPath   string
	msgFile   *os.File
	chatFile  *os.File
	auditFile *os.File

	messages map[int64]map[int]transport.Message
	chats    map[int64]transport.Chat

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lock := flock.New(prefix + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", prefix, err)
	}
	if !locked {
		return nil, fmt.Errorf("storage %s is in use by another moontele process", prefix)
	}

	s := &fileStore{
		log:          log,
		lock:         lock,
		msgPath:      prefix + ".messages.jsonl",
		messages:     map[int64]map[int]transport.Message{},
		chats:        map[int64]transport.Chat{},
		compactEvery: 5000,
	}
	if err := replayJSONL(s.msgPath, func(m transport.Message) { s.putLocked(m) }); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = s.Close()
		return nil, err
	}
	chatPath := prefix + ".chats.jsonl"
	if err := replayJSONL(chatPath, func(c transport.Chat) { s.chats[c.ID] = c }); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = s.Close()
		return nil, err
	}

	if s.msgFile, err = openAppend(s.msgPath); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.chatFile, err = openAppend(chatPath); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.auditFile, err = openAppend(prefix + ".audit.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("chats", len(s.messages)))
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

// replayJSONL decodes each line of path into T. Corrupt lines are skipped.
func replayJSONL[T any](path string, apply func(T)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		apply(v)
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.msgFile, &s.chatFile, &s.auditFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
		s.lock = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) putLocked(m transport.Message) {
	if m.ChatID == 0 || m.ID <= 0 {
		return
	}
	byID := s.messages[m.ChatID]
	if byID == nil {
		byID = map[int]transport.Message{}
		s.messages[m.ChatID] = byID
	}
	byID[m.ID] = m
}

func (s *fileStore) PutMessages(_ context.Context, msgs []transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.msgFile == nil {
		return errors.New("message journal closed")
	}
	enc := json.NewEncoder(s.msgFile)
	for _, m := range msgs {
		if m.ChatID == 0 || m.ID <= 0 {
			continue
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
		s.putLocked(m)
		s.writes++
	}
	if s.writes >= s.compactEvery {
		s.writes = 0
		if err := s.compactLocked(); err != nil {
			s.log.Warn("message journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the message journal from the in-memory index.
func (s *fileStore) compactLocked() error {
	tmp := s.msgPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, byID := range s.messages {
		for _, m := range byID {
			if err := enc.Encode(m); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.msgPath); err != nil {
		return err
	}
	_ = s.msgFile.Close()
	s.msgFile, err = openAppend(s.msgPath)
	return err
}

// sortedLocked returns the chat's messages matching keep, ascending by id.
func (s *fileStore) sortedLocked(chatID int64, keep func(id int) bool) []transport.Message {
	byID := s.messages[chatID]
	out := make([]transport.Message, 0, len(byID))
	for id, m := range byID {
		if keep(id) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fileStore) LatestMessage(_ context.Context, chatID int64) (transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best transport.Message
	for id, m := range s.messages[chatID] {
		if id > best.ID {
			best = m
		}
	}
	if best.ID == 0 {
		return transport.Message{}, transport.ErrNotFound
	}
	return best, nil
}

func (s *fileStore) MessagesSince(_ context.Context, chatID int64, minID int, limit int) ([]transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked(chatID, func(id int) bool { return id > minID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) MessagesByIDs(_ context.Context, chatID int64, ids []int) ([]transport.Message, error) {
	want := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(chatID, func(id int) bool {
		_, ok := want[id]
		return ok
	}), nil
}

func (s *fileStore) PutChat(_ context.Context, c transport.Chat) error {
	if c.ID == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatFile == nil {
		return errors.New("chat journal closed")
	}
	if old, ok := s.chats[c.ID]; ok && old == c {
		return nil
	}
	s.chats[c.ID] = c
	return json.NewEncoder(s.chatFile).Encode(c)
}

func (s *fileStore) ChatByUsername(_ context.Context, username string) (transport.Chat, error) {
	name := strings.TrimPrefix(strings.TrimSpace(username), "@")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.Username != "" && strings.EqualFold(c.Username, name) {
			return c, nil
		}
	}
	return transport.Chat{}, transport.ErrNotFound
}

func (s *fileStore) Chats(_ context.Context) ([]transport.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
