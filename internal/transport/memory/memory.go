// Package memory is an in-process message service. It backs --dry-run runs
// and tests: sends are recorded instead of delivered.
package memory

import (
	"context"
	"sort"
	"sync"

	"moontele/internal/transport"
)

// Sent is one recorded send.
type Sent struct {
	Kind       string // "text", "copy" or "forward"
	To         transport.Target
	Text       string
	FromChatID int64
	MessageIDs []int
}

type Service struct {
	mu       sync.Mutex
	chats    map[int64][]transport.Message
	sent     []Sent
	nextID   int
	failSend func(to transport.Target) error
	failRead func(chatID int64) error
}

var _ transport.Service = (*Service)(nil)

func New() *Service {
	return &Service{chats: map[int64][]transport.Message{}}
}

// Add stores messages as if they had been observed on their chats.
func (s *Service) Add(msgs ...transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		list := s.chats[m.ChatID]
		replaced := false
		for i := range list {
			if list[i].ID == m.ID {
				list[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, m)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		s.chats[m.ChatID] = list
	}
}

// FailSends installs a hook deciding whether a send to a target fails.
func (s *Service) FailSends(fn func(to transport.Target) error) {
	s.mu.Lock()
	s.failSend = fn
	s.mu.Unlock()
}

// FailReads installs a hook deciding whether a fetch on a chat fails.
func (s *Service) FailReads(fn func(chatID int64) error) {
	s.mu.Lock()
	s.failRead = fn
	s.mu.Unlock()
}

// Sent returns a copy of every recorded send in order.
func (s *Service) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Service) readErr(chatID int64) error {
	if s.failRead != nil {
		return s.failRead(chatID)
	}
	return nil
}

func (s *Service) FetchLatest(_ context.Context, chatID int64) (transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErr(chatID); err != nil {
		return transport.Message{}, err
	}
	list := s.chats[chatID]
	if len(list) == 0 {
		return transport.Message{}, transport.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (s *Service) FetchSince(_ context.Context, chatID int64, minID int, limit int) ([]transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErr(chatID); err != nil {
		return nil, err
	}
	var out []transport.Message
	for _, m := range s.chats[chatID] {
		if m.ID > minID {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Service) FetchByIDs(_ context.Context, chatID int64, ids []int) ([]transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErr(chatID); err != nil {
		return nil, err
	}
	want := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []transport.Message
	for _, m := range s.chats[chatID] {
		if _, ok := want[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) record(rec Sent) ([]transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend != nil {
		if err := s.failSend(rec.To); err != nil {
			return nil, err
		}
	}
	s.sent = append(s.sent, rec)
	n := len(rec.MessageIDs)
	if n == 0 {
		n = 1
	}
	refs := make([]transport.MessageRef, n)
	for i := range refs {
		s.nextID++
		refs[i] = transport.MessageRef{ChatID: rec.To.ChatID, ThreadID: rec.To.ThreadID, MessageID: s.nextID}
	}
	return refs, nil
}

func (s *Service) SendText(_ context.Context, to transport.Target, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	refs, err := s.record(Sent{Kind: "text", To: to, Text: text})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return refs[0], nil
}

func (s *Service) SendCopy(_ context.Context, to transport.Target, r transport.Replay) ([]transport.MessageRef, error) {
	return s.record(Sent{Kind: "copy", To: to, Text: r.Caption, FromChatID: r.FromChatID, MessageIDs: append([]int(nil), r.MessageIDs...)})
}

func (s *Service) SendForward(_ context.Context, to transport.Target, fromChatID int64, ids []int) ([]transport.MessageRef, error) {
	return s.record(Sent{Kind: "forward", To: to, FromChatID: fromChatID, MessageIDs: append([]int(nil), ids...)})
}
