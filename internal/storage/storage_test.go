package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"moontele/internal/transport"
	"moontele/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "moontele.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestStoreMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for driver, st := range openDrivers(t) {
		if _, err := st.LatestMessage(ctx, -100); !errors.Is(err, transport.ErrNotFound) {
			t.Fatalf("%s: LatestMessage on empty = %v", driver, err)
		}
		msgs := []transport.Message{
			{ID: 3, ChatID: -100, Text: "c", Time: at},
			{ID: 1, ChatID: -100, Text: "a", AlbumID: "g", Time: at},
			{ID: 2, ChatID: -100, Text: "b", ThreadID: 7, Links: []string{"https://x.example.com"}, Time: at},
			{ID: 9, ChatID: -200, Text: "other chat", Time: at},
		}
		if err := st.PutMessages(ctx, msgs); err != nil {
			t.Fatalf("%s: PutMessages: %v", driver, err)
		}
		// Edits replace by (chat, id).
		if err := st.PutMessages(ctx, []transport.Message{{ID: 3, ChatID: -100, Text: "c edited", Time: at}}); err != nil {
			t.Fatalf("%s: PutMessages edit: %v", driver, err)
		}

		last, err := st.LatestMessage(ctx, -100)
		if err != nil || last.ID != 3 || last.Text != "c edited" {
			t.Fatalf("%s: LatestMessage = %+v, %v", driver, last, err)
		}
		since, err := st.MessagesSince(ctx, -100, 1, 0)
		if err != nil || len(since) != 2 || since[0].ID != 2 || since[1].ID != 3 {
			t.Fatalf("%s: MessagesSince = %+v, %v", driver, since, err)
		}
		if since[0].ThreadID != 7 || len(since[0].Links) != 1 || !since[0].Time.Equal(at) {
			t.Fatalf("%s: round trip lost fields: %+v", driver, since[0])
		}
		limited, _ := st.MessagesSince(ctx, -100, 0, 2)
		if len(limited) != 2 || limited[0].ID != 1 {
			t.Fatalf("%s: limited = %+v", driver, limited)
		}
		byIDs, err := st.MessagesByIDs(ctx, -100, []int{3, 1, 42})
		if err != nil || len(byIDs) != 2 || byIDs[0].ID != 1 || byIDs[1].ID != 3 {
			t.Fatalf("%s: MessagesByIDs = %+v, %v", driver, byIDs, err)
		}
	}
}

func TestStoreChatsAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for driver, st := range openDrivers(t) {
		if err := st.PutChat(ctx, transport.Chat{ID: -1005, Title: "News", Username: "NewsRoom", Type: "channel"}); err != nil {
			t.Fatalf("%s: PutChat: %v", driver, err)
		}
		a := NewSource(st)
		id, err := a.ResolveUsername(ctx, "@newsroom")
		if err != nil || id != -1005 {
			t.Fatalf("%s: ResolveUsername = %d, %v", driver, id, err)
		}
		if _, err := a.ResolveUsername(ctx, "missing"); !errors.Is(err, transport.ErrNotFound) {
			t.Fatalf("%s: missing username err = %v", driver, err)
		}
		chats, err := st.Chats(ctx)
		if err != nil || len(chats) != 1 {
			t.Fatalf("%s: Chats = %+v, %v", driver, chats, err)
		}
		if err := st.AppendAudit(ctx, AuditEntry{Job: "b1", Action: "broadcast", Total: 3, OK: 2, Fail: 1}); err != nil {
			t.Fatalf("%s: AppendAudit: %v", driver, err)
		}
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a := NewSource(st)
	if err := a.Record(ctx, transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ID: 5, ChatID: -1, Text: "kept"},
		Chat:    &transport.Chat{ID: -1, Username: "kept_chat"},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	m, err := NewSource(st2).FetchLatest(ctx, -1)
	if err != nil || m.Text != "kept" {
		t.Fatalf("FetchLatest after reopen = %+v, %v", m, err)
	}
	if c, err := st2.ChatByUsername(ctx, "kept_chat"); err != nil || c.ID != -1 {
		t.Fatalf("ChatByUsername after reopen = %+v, %v", c, err)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(none) err = %v", err)
	}
	if _, err := Open(Config{Driver: "etcd", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestTemplatesLegacyMigration(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "target_templates.json")
	legacy := `{"promo": [{"chat_id": -1001, "chat_title": "A", "topic_id": 4, "topic_title": "Deals"}, {"chat_id": -1002, "chat_title": "B"}]}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tpl, err := LoadTemplates(path, "main")
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	targets, err := tpl.Get("main", "promo")
	if err != nil || len(targets) != 2 || targets[0].ThreadID != 4 || targets[0].TopicTitle != "Deals" {
		t.Fatalf("Get = %+v, %v", targets, err)
	}

	// The migrated file now has the account level.
	again, err := LoadTemplates(path, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if names := again.Names("main"); len(names) != 1 || names[0] != "promo" {
		t.Fatalf("Names = %v", names)
	}
}

func TestTemplatesSearchAllAccounts(t *testing.T) {
	t.Parallel()
	tpl, err := LoadTemplates(filepath.Join(t.TempDir(), "t.json"), "")
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	tpl.Put("b", "promo", []transport.Target{{ChatID: 2}})
	tpl.Put("a", "promo", []transport.Target{{ChatID: 1}, {ChatID: 1}})
	tpl.Put("a", "other", []transport.Target{{ChatID: 9}})

	got, err := tpl.Get("", "promo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 3 || got[0].ChatID != 1 || got[1].ChatID != 1 || got[2].ChatID != 2 {
		t.Fatalf("Get = %+v", got)
	}
	if _, err := tpl.Get("a", "missing"); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("missing template err = %v", err)
	}
	if err := tpl.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestFileStoreSingleProcess(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "locked.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(Config{Driver: "file", Path: path}, logx.Nop()); err == nil {
		t.Fatalf("second Open on the same path should fail while the first is open")
	}
	_ = st.Close()
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	_ = st2.Close()
}
