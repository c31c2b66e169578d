package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "moontele/internal/transport"
)

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and avoids splitting inside HTML tags when
// parseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify("send text to "+to.Label(), err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendCopy replays messages without the forward header. Albums go through
// copyMessages so they stay grouped.
func (a *Adapter) SendCopy(ctx context.Context, to kit.Target, r kit.Replay) ([]kit.MessageRef, error) {
	if len(r.MessageIDs) == 0 {
		return nil, kit.Errorf(kit.KindConfig, "copy: no message ids")
	}
	params := map[string]any{
		"chat_id":      to.ChatID,
		"from_chat_id": r.FromChatID,
	}
	if to.ThreadID != 0 {
		params["message_thread_id"] = to.ThreadID
	}
	if len(r.MessageIDs) == 1 {
		params["message_id"] = r.MessageIDs[0]
		var res struct {
			MessageID int `json:"message_id"`
		}
		if err := a.raw(ctx, "copyMessage", params, &res); err != nil {
			return nil, classify("copy to "+to.Label(), err)
		}
		return []kit.MessageRef{{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: res.MessageID}}, nil
	}
	params["message_ids"] = r.MessageIDs
	refs, err := a.rawRefs(ctx, "copyMessages", params, to)
	if err != nil {
		return nil, classify("copy album to "+to.Label(), err)
	}
	return refs, nil
}

// SendForward forwards messages keeping their attribution.
func (a *Adapter) SendForward(ctx context.Context, to kit.Target, fromChatID int64, ids []int) ([]kit.MessageRef, error) {
	if len(ids) == 0 {
		return nil, kit.Errorf(kit.KindConfig, "forward: no message ids")
	}
	params := map[string]any{
		"chat_id":      to.ChatID,
		"from_chat_id": fromChatID,
		"message_ids":  ids,
	}
	if to.ThreadID != 0 {
		params["message_thread_id"] = to.ThreadID
	}
	refs, err := a.rawRefs(ctx, "forwardMessages", params, to)
	if err != nil {
		return nil, classify("forward to "+to.Label(), err)
	}
	return refs, nil
}

func (a *Adapter) rawRefs(ctx context.Context, method string, params map[string]any, to kit.Target) ([]kit.MessageRef, error) {
	var res []struct {
		MessageID int `json:"message_id"`
	}
	if err := a.raw(ctx, method, params, &res); err != nil {
		return nil, err
	}
	refs := make([]kit.MessageRef, len(res))
	for i, r := range res {
		refs[i] = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: r.MessageID}
	}
	return refs, nil
}

// raw calls a Bot API method telebot has no typed wrapper for and decodes
// the "result" field into dst.
func (a *Adapter) raw(ctx context.Context, method string, params map[string]any, dst any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := a.bot.Raw(method, params)
	if err != nil {
		return err
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if dst == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, dst)
}
