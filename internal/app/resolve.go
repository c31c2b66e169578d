package app

import (
	"context"
	"strconv"
	"strings"

	"moontele/internal/config"
	"moontele/internal/transport"
	"moontele/internal/watch"
)

// ChatRef is a chat, optionally narrowed to one forum topic.
type ChatRef struct {
	ChatID int64
	Topic  int
}

// ResolveChat accepts a numeric chat id, an @username, or a t.me link
// (the message id of a link is ignored; its topic segment is kept).
func ResolveChat(ctx context.Context, raw string, r transport.ChatResolver) (ChatRef, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatRef{}, transport.Errorf(transport.KindConfig, "empty chat reference")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return ChatRef{}, transport.Errorf(transport.KindConfig, "chat id 0 is not valid")
		}
		return ChatRef{ChatID: id}, nil
	}
	if strings.Contains(s, "t.me/") {
		link, err := transport.ParseMessageLink(s)
		if err != nil {
			return ChatRef{}, err
		}
		id, err := link.ResolveChat(ctx, r)
		if err != nil {
			return ChatRef{}, err
		}
		return ChatRef{ChatID: id, Topic: link.ThreadID}, nil
	}
	name := strings.TrimPrefix(s, "@")
	if r == nil {
		return ChatRef{}, transport.Errorf(transport.KindConfig, "cannot resolve @%s without a chat directory", name)
	}
	id, err := r.ResolveUsername(ctx, name)
	if err != nil {
		return ChatRef{}, transport.Wrap(transport.Classify(err), "resolve @"+name, err)
	}
	return ChatRef{ChatID: id}, nil
}

// forwardRule turns a configured rule into a runnable one. The rule's own
// topic wins over a topic taken from a source link.
func forwardRule(ctx context.Context, fr config.ForwardRule, r transport.ChatResolver) (watch.Rule, error) {
	interval, err := fr.Interval.OrDefault("forward.interval", watch.DefaultInterval)
	if err != nil {
		return watch.Rule{}, transport.Wrap(transport.KindConfig, "forward rule "+fr.Name, err)
	}
	src, err := ResolveChat(ctx, fr.Source, r)
	if err != nil {
		return watch.Rule{}, err
	}
	topic := fr.Topic
	if topic == 0 {
		topic = src.Topic
	}
	rule := watch.Rule{
		Name:     fr.Name,
		Source:   src.ChatID,
		Topic:    topic,
		Dest:     transport.Target{ChatID: fr.Dest, ThreadID: fr.DestTopic},
		Keywords: fr.Keywords,
		Interval: interval,
		Mode:     watch.RelayMode(strings.ToLower(strings.TrimSpace(fr.Mode))),
	}
	if rule.Name == "" {
		rule.Name = strconv.FormatInt(rule.Source, 10) + "->" + strconv.FormatInt(fr.Dest, 10)
	}
	return rule, rule.Validate()
}

// harvestTargets expands chat references into targets titled from the
// chat directory. "all" selects every archived chat.
func harvestTargets(ctx context.Context, env *Env, refs []string) ([]transport.Target, error) {
	archive, err := env.Archive()
	if err != nil {
		return nil, err
	}
	chats, err := env.Store.Chats(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]transport.Chat, len(chats))
	for _, c := range chats {
		byID[c.ID] = c
	}

	var out []transport.Target
	for _, raw := range refs {
		if strings.EqualFold(strings.TrimSpace(raw), "all") {
			for _, c := range chats {
				out = append(out, transport.Target{ChatID: c.ID, Title: c.Title})
			}
			continue
		}
		ref, err := ResolveChat(ctx, raw, archive)
		if err != nil {
			return nil, err
		}
		t := transport.Target{ChatID: ref.ChatID, ThreadID: ref.Topic, Title: byID[ref.ChatID].Title}
		if t.Title == "" {
			t.Title = strconv.FormatInt(ref.ChatID, 10)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, transport.Errorf(transport.KindConfig, "no chats selected")
	}
	return out, nil
}
