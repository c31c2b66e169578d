package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"moontele/internal/storage"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

const htmlPage = `<!DOCTYPE html>
<html><body>
<div class="page_wrap">
 <div class="page_header"><div class="content"><div class="text bold">Deals Room</div></div></div>
 <div class="history">
  <div class="message service" id="message-1"><div class="body details">9 March 2024</div></div>
  <div class="message default clearfix" id="message5">
   <div class="body">
    <div class="pull_right date details" title="09.03.2024 14:05:07 UTC+03:00">14:05</div>
    <div class="from_name">Ann </div>
    <div class="text">see <a href="https://hidden.example.com/p">this</a> and https://plain.example.com</div>
   </div>
  </div>
  <div class="message default clearfix joined" id="message6">
   <div class="body">
    <div class="pull_right date details" title="09.03.2024 14:06:00 UTC+03:00">14:06</div>
    <div class="reply_to details">In reply to <a href="#go_to_message5">this message</a></div>
    <div class="text">second</div>
   </div>
  </div>
  <div class="message default clearfix" id="message7">
   <div class="body">
    <div class="pull_right date details" title="09.03.2024 14:07:00 UTC+03:00">14:07</div>
    <div class="from_name">Bob</div>
    <div class="media_wrap clearfix"><a class="photo_wrap" href="photos/p.jpg"></a></div>
   </div>
  </div>
 </div>
</div>
</body></html>`

const resultJSON = `{
 "name": "News",
 "type": "public_channel",
 "id": 1234567,
 "messages": [
  {"id": 1, "type": "service", "actor": "News", "date": "2024-03-09T10:00:00", "text": ""},
  {"id": 2, "type": "message", "date": "2024-03-09T10:01:00", "date_unixtime": "1709978460", "from": "News", "text": "plain text"},
  {"id": 3, "type": "message", "date": "2024-03-09T10:02:00", "date_unixtime": "1709978520", "from": "News", "reply_to_message_id": 2,
   "text": ["go ", {"type": "text_link", "text": "here", "href": "https://x.example.org/a"}, " now"]}
 ]
}`

func TestParseHTML(t *testing.T) {
	t.Parallel()
	exp, err := ParseHTML(strings.NewReader(htmlPage), -1001)
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}
	if exp.Chat.Title != "Deals Room" || len(exp.Messages) != 3 {
		t.Fatalf("export = %+v", exp)
	}
	first, joined, media := exp.Messages[0], exp.Messages[1], exp.Messages[2]
	if first.ID != 5 || first.Sender != "Ann" || len(first.Links) != 1 || first.Links[0] != "https://hidden.example.com/p" {
		t.Fatalf("first = %+v", first)
	}
	if want := time.Date(2024, 3, 9, 11, 5, 7, 0, time.UTC); !first.Time.Equal(want) {
		t.Fatalf("time = %v, want %v", first.Time, want)
	}
	if joined.Sender != "Ann" || joined.ThreadID != 5 || joined.Text != "second" {
		t.Fatalf("joined = %+v", joined)
	}
	if media.Sender != "Bob" || media.Text != "" {
		t.Fatalf("media = %+v", media)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	exp, err := ParseJSON(strings.NewReader(resultJSON), 0)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if exp.Chat.ID != -1001234567 || exp.Chat.Title != "News" {
		t.Fatalf("chat = %+v", exp.Chat)
	}
	if len(exp.Messages) != 2 {
		t.Fatalf("messages = %+v", exp.Messages)
	}
	rich := exp.Messages[1]
	if rich.Text != "go here now" || rich.ThreadID != 2 || len(rich.Links) != 1 || rich.Links[0] != "https://x.example.org/a" {
		t.Fatalf("rich = %+v", rich)
	}
	if rich.Time.Unix() != 1709978520 {
		t.Fatalf("time = %v", rich.Time)
	}

	override, _ := ParseJSON(strings.NewReader(resultJSON), -42)
	if override.Chat.ID != -42 || override.Messages[0].ChatID != -42 {
		t.Fatalf("override = %+v", override.Chat)
	}
}

func TestImportDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "ChatExport")
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	page2 := strings.Replace(htmlPage, `id="message5"`, `id="message50"`, 1)
	page2 = strings.Replace(page2, `id="message6"`, `id="message51"`, 1)
	page2 = strings.Replace(page2, `id="message7"`, `id="message52"`, 1)
	for name, body := range map[string]string{"messages.html": htmlPage, "messages2.html": page2} {
		if err := os.WriteFile(filepath.Join(exportDir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	im := New(store, logx.Nop())
	if _, err := im.Import(context.Background(), exportDir, 0); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("HTML without chat id err = %v", err)
	}
	st, err := im.Import(context.Background(), exportDir, -1001)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if st.Files != 2 || st.Messages != 6 || st.Title != "Deals Room" {
		t.Fatalf("stats = %+v", st)
	}
	last, err := storage.NewSource(store).FetchLatest(context.Background(), -1001)
	if err != nil || last.ID != 52 {
		t.Fatalf("FetchLatest = %+v, %v", last, err)
	}
}

func TestLoadRejectsEmptyDirectory(t *testing.T) {
	t.Parallel()
	if _, _, err := Load(t.TempDir(), -1); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("Load(empty) err = %v", err)
	}
}
