package broadcast

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"moontele/internal/runtime/clock"
	"moontele/internal/transport"
	"moontele/pkg/logx"
)

type Mode string

const (
	// ModeCopy sends the content as new messages without attribution.
	ModeCopy Mode = "copy"
	// ModeForward forwards the originals, keeping "forwarded from".
	ModeForward Mode = "forward"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeCopy:
		return ModeCopy, nil
	case ModeForward:
		return ModeForward, nil
	default:
		return "", transport.Errorf(transport.KindConfig, "unknown broadcast mode %q (want copy or forward)", s)
	}
}

const (
	DefaultDelay     = 5 * time.Second
	DefaultRandomMin = 5 * time.Second
	DefaultRandomMax = 10 * time.Second
)

// Delay is the pause between two sends. A non-zero Max selects a uniform
// random pause in [Min, Max]; otherwise Fixed is used.
type Delay struct {
	Fixed time.Duration
	Min   time.Duration
	Max   time.Duration
}

func FixedDelay(d time.Duration) Delay { return Delay{Fixed: d} }

func RandomDelay(min, max time.Duration) Delay {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return Delay{Min: min, Max: max}
}

func (d Delay) Random() bool { return d.Max > 0 }

func (d Delay) Next() time.Duration {
	if !d.Random() {
		return d.Fixed
	}
	span := d.Max - d.Min
	if span <= 0 {
		return d.Min
	}
	return d.Min + time.Duration(rand.Int64N(int64(span)+1))
}

func (d Delay) String() string {
	if d.Random() {
		return d.Min.String() + "-" + d.Max.String()
	}
	return d.Fixed.String()
}

// Options tune one dispatch.
type Options struct {
	Mode  Mode
	Delay Delay
	Send  *transport.SendOptions
	// OnResult, when set, is called after every attempted target.
	OnResult func(i int, to transport.Target, err error)
}

// Failure is one target that could not be sent to.
type Failure struct {
	Index  int
	Target transport.Target
	Err    error
	Kind   transport.Kind
}

// Report summarizes a dispatch.
type Report struct {
	Total     int
	OK        int
	Attempted int
	Failures  []Failure
	Cancelled bool
	Took      time.Duration
}

// Failed counts every target that did not receive the payload, including
// targets never attempted because of cancellation.
func (r Report) Failed() int { return r.Total - r.OK }

// Dispatcher sends a payload to targets one at a time.
type Dispatcher struct {
	sink  transport.Sink
	clock clock.Clock
	log   logx.Logger
}

func NewDispatcher(sink transport.Sink, c clock.Clock, log logx.Logger) *Dispatcher {
	return &Dispatcher{sink: sink, clock: clock.OrReal(c), log: log.OrNop()}
}

// Dispatch sends p to every target in list order, pausing opts.Delay
// between sends. A failing target is recorded and the run goes on;
// cancellation stops the run between sends.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload, targets []transport.Target, opts Options) (rep Report, err error) {
	rep = Report{Total: len(targets)}
	if err := p.Validate(); err != nil {
		return rep, err
	}
	if opts.Mode == "" {
		opts.Mode = ModeCopy
	}
	start := d.clock.Now()
	defer func() { rep.Took = d.clock.Now().Sub(start) }()

	for i, to := range targets {
		if i > 0 {
			if err := clock.Sleep(ctx, d.clock, opts.Delay.Next()); err != nil {
				rep.Cancelled = true
				break
			}
		} else if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}

		err := d.sendOne(ctx, p, to, opts)
		rep.Attempted++
		if err == nil {
			rep.OK++
			d.log.Info("sent", logx.Int("index", i+1), logx.Int("total", rep.Total), logx.String("target", to.Label()))
		} else {
			kind := transport.Classify(err)
			rep.Failures = append(rep.Failures, Failure{Index: i, Target: to, Err: err, Kind: kind})
			d.log.Warn("send failed",
				logx.Int("index", i+1),
				logx.String("target", to.Label()),
				logx.String("kind", kind.String()),
				logx.Err(err),
			)
		}
		if opts.OnResult != nil {
			opts.OnResult(i, to, err)
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
	}
	return rep, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, p Payload, to transport.Target, opts Options) error {
	switch p.Kind {
	case PayloadText:
		_, err := d.sink.SendText(ctx, to, p.Text, opts.Send)
		return err
	default:
		if opts.Mode == ModeForward {
			_, err := d.sink.SendForward(ctx, to, p.FromChatID, p.IDs())
			return err
		}
		_, err := d.sink.SendCopy(ctx, to, transport.Replay{
			FromChatID: p.FromChatID,
			MessageIDs: p.IDs(),
			Caption:    p.Caption(),
		})
		return err
	}
}
