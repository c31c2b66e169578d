// Package watch relays new messages from one stream to one destination.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"moontele/internal/runtime/clock"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

const DefaultInterval = 5 * time.Second

type RelayMode string

const (
	// RelayText sends the message text as a new message.
	RelayText RelayMode = "text"
	// RelayCopy replays the message, media included, without attribution.
	RelayCopy RelayMode = "copy"
)

// Rule describes one forwarding loop.
type Rule struct {
	Name      string
	Source    int64
	Topic     int
	Dest      transport.Target
	Keywords  []string
	Interval  time.Duration
	Mode      RelayMode
	FetchSize int
}

func (r Rule) Validate() error {
	if r.Source == 0 {
		return transport.Errorf(transport.KindConfig, "forward rule %q: source chat is required", r.Name)
	}
	if r.Dest.ChatID == 0 {
		return transport.Errorf(transport.KindConfig, "forward rule %q: destination chat is required", r.Name)
	}
	switch r.Mode {
	case "", RelayText, RelayCopy:
	default:
		return transport.Errorf(transport.KindConfig, "forward rule %q: unknown mode %q", r.Name, r.Mode)
	}
	return nil
}

// CycleStats counts what one poll cycle did.
type CycleStats struct {
	Fetched  int
	Matched  int
	Relayed  int
	Failed   int
	Skipped  int
	Duration time.Duration
}

type Forwarder struct {
	src    transport.Source
	sink   transport.Sink
	rule   Rule
	filter Filter
	clock  clock.Clock
	log    logx.Logger
}

type Option func(*Forwarder)

func WithClock(c clock.Clock) Option { return func(f *Forwarder) { f.clock = c } }

func WithLogger(l logx.Logger) Option { return func(f *Forwarder) { f.log = l } }

func NewForwarder(src transport.Source, sink transport.Sink, rule Rule, opts ...Option) (*Forwarder, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Interval <= 0 {
		rule.Interval = DefaultInterval
	}
	if rule.Mode == "" {
		rule.Mode = RelayText
	}
	f := &Forwarder{
		src:    src,
		sink:   sink,
		rule:   rule,
		filter: NewFilter(rule.Topic, rule.Keywords),
	}
	for _, o := range opts {
		o(f)
	}
	f.clock = clock.OrReal(f.clock)
	f.log = f.log.OrNop().With(logx.String("rule", rule.Name), logx.Int64("source", rule.Source))
	return f, nil
}

func (f *Forwarder) Rule() Rule { return f.rule }

// Run initializes the watermark from the stream tail and polls until ctx
// ends. It returns ctx.Err().
func (f *Forwarder) Run(ctx context.Context) error {
	wm, err := f.Init(ctx)
	if err != nil {
		return err
	}
	f.log.Info("watching stream",
		logx.Int("from_id", wm.LastSeen),
		logx.Int("topic", f.rule.Topic),
		logx.Strings("keywords", f.filter.Keywords()),
		logx.String("dest", f.rule.Dest.Label()),
	)
	for {
		var st CycleStats
		wm, st, err = f.Cycle(ctx, wm)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("poll failed", logx.Err(err), logx.String("kind", transport.Classify(err).String()))
		} else if st.Fetched > 0 {
			f.log.Debug("poll cycle",
				logx.Int("fetched", st.Fetched),
				logx.Int("relayed", st.Relayed),
				logx.Int("failed", st.Failed),
				logx.Int("watermark", wm.LastSeen),
			)
		}
		if err := clock.Sleep(ctx, f.clock, f.rule.Interval); err != nil {
			return err
		}
	}
}

// Init anchors a watermark at the current tail. An empty stream starts at
// 0; other failures are retried every interval until ctx ends.
func (f *Forwarder) Init(ctx context.Context) (Watermark, error) {
	for {
		last, err := f.src.FetchLatest(ctx, f.rule.Source)
		switch {
		case err == nil:
			return NewWatermark(f.rule.Source, last.ID), nil
		case errors.Is(err, transport.ErrNotFound):
			return NewWatermark(f.rule.Source, 0), nil
		}
		if ctx.Err() != nil {
			return Watermark{}, ctx.Err()
		}
		f.log.Warn("fetch stream tail failed", logx.Err(err))
		if err := clock.Sleep(ctx, f.clock, f.rule.Interval); err != nil {
			return Watermark{}, err
		}
	}
}

// Cycle runs one poll: fetch everything above wm, relay matches oldest
// first, and advance wm past every fetched message. A fetch failure returns
// wm unchanged.
func (f *Forwarder) Cycle(ctx context.Context, wm Watermark) (Watermark, CycleStats, error) {
	start := f.clock.Now()
	var st CycleStats

	msgs, err := f.src.FetchSince(ctx, f.rule.Source, wm.PollWindow(), f.rule.FetchSize)
	if err != nil {
		return wm, st, fmt.Errorf("fetch since %d: %w", wm.PollWindow(), err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	st.Fetched = len(msgs)

	for _, m := range msgs {
		if m.ID <= wm.LastSeen {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if f.filter.Matches(m) {
			st.Matched++
			switch err := f.relay(ctx, m); {
			case errors.Is(err, errEmptyText):
				st.Skipped++
				f.log.Debug("skipping message without text", logx.Int("msg_id", m.ID))
			case err != nil:
				st.Failed++
				f.log.Warn("relay failed",
					logx.Int("msg_id", m.ID),
					logx.String("kind", transport.Classify(err).String()),
					logx.Err(err),
				)
			default:
				st.Relayed++
				f.log.Info("relayed message", logx.Int("msg_id", m.ID), logx.String("preview", preview(m.Text, 50)))
			}
		}
		wm.Advance(m.ID)
	}
	st.Duration = f.clock.Now().Sub(start)
	return wm, st, nil
}

var errEmptyText = errors.New("message has no text")

func (f *Forwarder) relay(ctx context.Context, m transport.Message) error {
	switch f.rule.Mode {
	case RelayCopy:
		_, err := f.sink.SendCopy(ctx, f.rule.Dest, transport.Replay{
			FromChatID: f.rule.Source,
			MessageIDs: []int{m.ID},
			Caption:    m.Text,
		})
		return err
	default:
		if strings.TrimSpace(m.Text) == "" {
			return errEmptyText
		}
		_, err := f.sink.SendText(ctx, f.rule.Dest, m.Text, nil)
		return err
	}
}

func preview(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
