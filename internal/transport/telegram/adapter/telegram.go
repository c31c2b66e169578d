// Package adapter is the Telegram Bot API implementation of the message
// service.
//
// The Bot API cannot read chat history, so every message, channel post and
// edit the bot receives is pushed as an Update; the application archives
// them and the archive serves the Source side of the service.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "moontele/internal/runtime/supervisor"
	kit "moontele/internal/transport"
	logx "moontele/pkg/logx"
)

const (
	DefaultPollTimeout = 10 * time.Second
	DefaultRatePerSec  = 20
)

var allowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound API calls across all senders.
	RatePerSec float64
	// APIURL overrides the Bot API endpoint (local bot API servers).
	APIURL string
}

// Archive is the read side the adapter delegates history to.
type Archive interface {
	kit.Source
	kit.ChatResolver
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	archive Archive
	limiter *rate.Limiter

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Reported periodically.
	droppedUpdates uint64
}

var _ kit.Service = (*Adapter)(nil)

// New connects to the Bot API. The initial getMe is retried with jitter;
// an unauthorized token fails immediately.
func New(ctx context.Context, cfg Config, archive Archive, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, kit.Errorf(kit.KindConfig, "telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = DefaultRatePerSec
	}
	settings := tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
		OnError: func(err error, c tele.Context) {
			log.Warn("handler error", logx.Err(err))
		},
	}

	var b *tele.Bot
	err := retry.Do(
		func() error {
			var err error
			b, err = tele.NewBot(settings)
			if err != nil && isUnauthorized(err) {
				return retry.Unrecoverable(kit.Wrap(kit.KindConfig, "telegram login", err))
			}
			return err
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("telegram login failed; retrying", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info("logged in", logx.String("bot", b.Me.Username), logx.Int64("id", b.Me.ID))

	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		archive: archive,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Me returns the bot's username.
func (a *Adapter) Me() string { return a.bot.Me.Username }

func (a *Adapter) registerHandlers() {
	push := func(kind kit.UpdateKind) tele.HandlerFunc {
		return func(c tele.Context) error {
			m := c.Message()
			if m == nil || m.Chat == nil {
				return nil
			}
			msg := toMessage(m)
			a.sendUpdate(kit.Update{Kind: kind, Message: &msg, Chat: toChat(m.Chat)})
			return nil
		}
	}
	a.bot.Handle(tele.OnText, push(kit.UpdateMessage))
	a.bot.Handle(tele.OnMedia, push(kit.UpdateMessage))
	a.bot.Handle(tele.OnChannelPost, push(kit.UpdateMessage))
	a.bot.Handle(tele.OnEdited, push(kit.UpdateEdited))
	a.bot.Handle(tele.OnEditedChannelPost, push(kit.UpdateEdited))
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start begins long polling and pushes updates to out.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns while still wanted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop ends polling. It never blocks shutdown longer than a short grace
// window even if getUpdates is still waiting.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

var errNoArchive = kit.Errorf(kit.KindConfig, "message history needs storage (storage.driver is none)")

func (a *Adapter) FetchLatest(ctx context.Context, chatID int64) (kit.Message, error) {
	if a.archive == nil {
		return kit.Message{}, errNoArchive
	}
	return a.archive.FetchLatest(ctx, chatID)
}

func (a *Adapter) FetchSince(ctx context.Context, chatID int64, minID int, limit int) ([]kit.Message, error) {
	if a.archive == nil {
		return nil, errNoArchive
	}
	return a.archive.FetchSince(ctx, chatID, minID, limit)
}

func (a *Adapter) FetchByIDs(ctx context.Context, chatID int64, ids []int) ([]kit.Message, error) {
	if a.archive == nil {
		return nil, errNoArchive
	}
	return a.archive.FetchByIDs(ctx, chatID, ids)
}

// ResolveUsername asks the chat directory first, then the Bot API.
func (a *Adapter) ResolveUsername(ctx context.Context, username string) (int64, error) {
	name := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if a.archive != nil {
		if id, err := a.archive.ResolveUsername(ctx, name); err == nil {
			return id, nil
		}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	chat, err := a.bot.ChatByUsername("@" + name)
	if err != nil {
		return 0, classify("resolve @"+name, err)
	}
	return chat.ID, nil
}

func toMessage(m *tele.Message) kit.Message {
	out := kit.Message{
		ID:      m.ID,
		ChatID:  m.Chat.ID,
		AlbumID: m.AlbumID,
		Text:    m.Text,
		Time:    m.Time().UTC(),
	}
	entities := m.Entities
	if out.Text == "" {
		out.Text = m.Caption
		entities = m.CaptionEntities
	}
	for _, e := range entities {
		if e.Type == tele.EntityTextLink && e.URL != "" {
			out.Links = append(out.Links, e.URL)
		}
	}
	out.ThreadID = m.ThreadID
	if out.ThreadID == 0 && m.ReplyTo != nil {
		out.ThreadID = m.ReplyTo.ID
	}
	switch {
	case m.SenderChat != nil:
		out.Sender = chatTitle(m.SenderChat)
	case m.Sender != nil:
		out.Sender = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	case m.Chat.Type == tele.ChatChannel:
		out.Sender = chatTitle(m.Chat)
	}
	return out
}

func toChat(c *tele.Chat) *kit.Chat {
	return &kit.Chat{ID: c.ID, Title: chatTitle(c), Username: c.Username, Type: string(c.Type)}
}

func chatTitle(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}
