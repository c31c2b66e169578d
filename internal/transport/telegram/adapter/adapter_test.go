package adapter

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "moontele/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 6) || got[1] != strings.Repeat("b", 6) {
		t.Fatalf("newline split = %q", got)
	}

	html := "abcdefgh<b>x</b>"
	got = splitTelegramText(html, 10, "HTML")
	if got[0] != "abcdefgh" || got[1] != "<b>x</b>" {
		t.Fatalf("html split = %q", got)
	}

	runes := strings.Repeat("й", 25)
	for _, c := range splitTelegramText(runes, 10, "") {
		if n := len([]rune(c)); n > 10 {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &tele.Message{
		ID:       42,
		Unixtime: at.Unix(),
		Chat:     &tele.Chat{ID: -1001, Type: tele.ChatSuperGroup, Title: "Group"},
		Sender:   &tele.User{FirstName: "Ann", LastName: "Lee"},
		ReplyTo:  &tele.Message{ID: 7},
		Caption:  "see here",
		CaptionEntities: tele.Entities{
			{Type: tele.EntityTextLink, URL: "https://hidden.example.com"},
			{Type: tele.EntityBold},
		},
		AlbumID: "g1",
	}
	got := toMessage(m)
	if got.ID != 42 || got.ChatID != -1001 || got.ThreadID != 7 || got.AlbumID != "g1" {
		t.Fatalf("ids = %+v", got)
	}
	if got.Text != "see here" || got.Sender != "Ann Lee" || !got.Time.Equal(at) {
		t.Fatalf("content = %+v", got)
	}
	if len(got.Links) != 1 || got.Links[0] != "https://hidden.example.com" {
		t.Fatalf("links = %v", got.Links)
	}

	post := toMessage(&tele.Message{ID: 1, ThreadID: 3, Chat: &tele.Chat{ID: -1002, Type: tele.ChatChannel, Title: "News"}, Text: "t"})
	if post.Sender != "News" || post.ThreadID != 3 {
		t.Fatalf("channel post = %+v", post)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want kit.Kind
	}{
		{&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, kit.KindPermanent},
		{&tele.Error{Code: 502, Description: "Bad Gateway"}, kit.KindTransient},
		{tele.ErrUnauthorized, kit.KindConfig},
		{errors.New("Bad Request: chat not found"), kit.KindPermanent},
	}
	for _, tc := range cases {
		if got := kit.Classify(classify("op", tc.err)); got != tc.want {
			t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if !isUnauthorized(tele.ErrUnauthorized) || isUnauthorized(errors.New("timeout")) {
		t.Fatalf("isUnauthorized mismatch")
	}
}
