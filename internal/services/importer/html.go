package importer

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"moontele/internal/transport"
)

// Export dates look like "09.03.2024 14:05:07 UTC+03:00"; older exports
// omit the zone and are taken as local time.
const (
	htmlDateZoned = "02.01.2006 15:04:05 UTC-07:00"
	htmlDate      = "02.01.2006 15:04:05"
)

// ParseHTML reads one messages*.html page of a Telegram Desktop export.
// The HTML carries no numeric chat id, so chatID is assigned to every
// message. Joined messages (consecutive posts by one sender) inherit the
// sender of the message above them.
func ParseHTML(r io.Reader, chatID int64) (Export, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Export{}, err
	}
	exp := Export{Chat: transport.Chat{
		ID:    chatID,
		Title: strings.TrimSpace(doc.Find("div.page_header div.text").First().Text()),
	}}

	var lastSender string
	doc.Find("div.message").Each(func(_ int, s *goquery.Selection) {
		if s.HasClass("service") {
			return
		}
		idAttr, ok := s.Attr("id")
		if !ok || !strings.HasPrefix(idAttr, "message") {
			return
		}
		id, err := strconv.Atoi(strings.TrimPrefix(idAttr, "message"))
		if err != nil || id <= 0 {
			return
		}
		body := s.Find("div.body").First()

		sender := strings.TrimSpace(body.ChildrenFiltered("div.from_name").First().Text())
		if sender == "" && s.HasClass("joined") {
			sender = lastSender
		}
		lastSender = sender

		m := transport.Message{ID: id, ChatID: chatID, Sender: sender}
		if title, ok := body.Find("div.date").First().Attr("title"); ok {
			m.Time = parseHTMLDate(title)
		}
		if href, ok := body.Find("div.reply_to a").First().Attr("href"); ok {
			m.ThreadID = replyTarget(href)
		}
		text := body.ChildrenFiltered("div.text").First()
		m.Text = strings.TrimSpace(text.Text())
		text.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
				if strings.TrimSpace(a.Text()) != href {
					m.Links = append(m.Links, href)
				}
			}
		})
		exp.Messages = append(exp.Messages, m)
	})
	return exp, nil
}

func parseHTMLDate(v string) time.Time {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(htmlDateZoned, v); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(htmlDate, v, time.Local); err == nil {
		return t
	}
	return time.Time{}
}

// replyTarget pulls the message id out of "#go_to_message123" or
// "messages2.html#go_to_message123".
func replyTarget(href string) int {
	i := strings.LastIndex(href, "go_to_message")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(href[i+len("go_to_message"):])
	if err != nil {
		return 0
	}
	return n
}

func htmlPageNumber(name string) int {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "messages"), ".html")
	if base == "" {
		return 1
	}
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0
	}
	return n
}

func errNoMessages(path string) error {
	return transport.Errorf(transport.KindConfig, "no messages found in export %s", path)
}
