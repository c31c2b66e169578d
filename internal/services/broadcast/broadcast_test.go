package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"moontele/internal/runtime/clock"
	"moontele/internal/storage"
	"moontele/internal/transport"
	"moontele/internal/transport/memory"
	"moontele/pkg/logx"
)

const src int64 = -1009

func targets(ids ...int64) []transport.Target {
	out := make([]transport.Target, len(ids))
	for i, id := range ids {
		out[i] = transport.Target{ChatID: id, Title: "t"}
	}
	return out
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	svc := memory.New()
	svc.FailSends(func(to transport.Target) error {
		if to.ChatID == 2 {
			return errors.New("Forbidden: bot was kicked")
		}
		return nil
	})
	fake := clock.NewAuto(time.Unix(0, 0))
	d := NewDispatcher(svc, fake, logx.Nop())

	rep, err := d.Dispatch(context.Background(), TextPayload("hello"), targets(1, 2, 3), Options{Delay: FixedDelay(5 * time.Second)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.OK != 2 || rep.Failed() != 1 || rep.Attempted != 3 || rep.Cancelled {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Index != 1 || rep.Failures[0].Kind != transport.KindPermanent {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	sent := svc.Sent()
	if len(sent) != 2 || sent[0].To.ChatID != 1 || sent[1].To.ChatID != 3 {
		t.Fatalf("sent = %+v", sent)
	}
	// The delay elapses between sends only.
	if w := fake.Waits(); len(w) != 2 || w[0] != 5*time.Second || w[1] != 5*time.Second {
		t.Fatalf("waits = %v", w)
	}
	if rep.Took != 10*time.Second {
		t.Fatalf("took = %v, want 10s", rep.Took)
	}
}

func TestDispatchRandomDelayInRange(t *testing.T) {
	t.Parallel()
	fake := clock.NewAuto(time.Unix(0, 0))
	d := NewDispatcher(memory.New(), fake, logx.Nop())
	if _, err := d.Dispatch(context.Background(), TextPayload("x"), targets(1, 2, 3, 4, 5, 6), Options{Delay: RandomDelay(5*time.Second, 10*time.Second)}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for _, w := range fake.Waits() {
		if w < 5*time.Second || w > 10*time.Second {
			t.Fatalf("wait %v outside [5s, 10s]", w)
		}
	}
}

func TestDispatchCancelledBetweenSends(t *testing.T) {
	t.Parallel()
	svc := memory.New()
	fake := clock.NewFake(time.Unix(0, 0))
	d := NewDispatcher(svc, fake, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Report, 1)
	go func() {
		rep, _ := d.Dispatch(ctx, TextPayload("x"), targets(1, 2, 3), Options{Delay: FixedDelay(time.Minute)})
		done <- rep
	}()
	fake.BlockUntil(1)
	cancel()

	rep := <-done
	if !rep.Cancelled || rep.OK != 1 || rep.Failed() != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if len(svc.Sent()) != 1 {
		t.Fatalf("sent = %+v", svc.Sent())
	}
}

func TestDispatchReplayModes(t *testing.T) {
	t.Parallel()
	album := AlbumPayload([]transport.Message{
		{ID: 11, ChatID: src, AlbumID: "g", Text: ""},
		{ID: 10, ChatID: src, AlbumID: "g", Text: ""},
		{ID: 12, ChatID: src, AlbumID: "g", Text: "caption here"},
	})
	topic := []transport.Target{{ChatID: 5, ThreadID: 44}}

	svc := memory.New()
	d := NewDispatcher(svc, clock.NewAuto(time.Unix(0, 0)), logx.Nop())
	if _, err := d.Dispatch(context.Background(), album, topic, Options{Mode: ModeCopy}); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), album, topic, Options{Mode: ModeForward}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	sent := svc.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent = %+v", sent)
	}
	cp, fw := sent[0], sent[1]
	if cp.Kind != "copy" || cp.Text != "caption here" || cp.FromChatID != src {
		t.Fatalf("copy = %+v", cp)
	}
	if fw.Kind != "forward" || fw.To.ThreadID != 44 || fw.FromChatID != src {
		t.Fatalf("forward = %+v", fw)
	}
	for _, s := range sent {
		if len(s.MessageIDs) != 3 || s.MessageIDs[0] != 10 || s.MessageIDs[2] != 12 {
			t.Fatalf("ids = %v, want ascending 10..12", s.MessageIDs)
		}
	}
}

func TestResolvePayloadAlbum(t *testing.T) {
	t.Parallel()
	svc := memory.New()
	for _, id := range []int{100, 101, 102, 104} {
		svc.Add(transport.Message{ID: id, ChatID: src, AlbumID: "G"})
	}
	// Another album's item sits between G's items.
	svc.Add(
		transport.Message{ID: 103, ChatID: src, AlbumID: "H"},
		transport.Message{ID: 105, ChatID: src, AlbumID: "H"},
		transport.Message{ID: 95, ChatID: src, Text: "plain"},
	)

	p, err := ResolvePayload(context.Background(), svc, src, 102)
	if err != nil {
		t.Fatalf("ResolvePayload: %v", err)
	}
	if p.Kind != PayloadAlbum {
		t.Fatalf("kind = %v", p.Kind)
	}
	ids := p.IDs()
	want := []int{100, 101, 102, 104}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestResolvePayloadSingleAndMissing(t *testing.T) {
	t.Parallel()
	svc := memory.New()
	svc.Add(transport.Message{ID: 7, ChatID: src, Text: "solo"})

	p, err := ResolvePayload(context.Background(), svc, src, 7)
	if err != nil || p.Kind != PayloadMessage || p.Caption() != "solo" {
		t.Fatalf("ResolvePayload = %+v, %v", p, err)
	}
	_, err = ResolvePayload(context.Background(), svc, src, 8)
	if !errors.Is(err, transport.ErrNotFound) || transport.Classify(err) != transport.KindPermanent {
		t.Fatalf("missing message err = %v", err)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Mode{"": ModeCopy, "copy": ModeCopy, "Forward": ModeForward} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("mirror"); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("ParseMode(mirror) err = %v", err)
	}
}

func TestServiceRunsJobsAndAudits(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	sink := memory.New()
	sink.FailSends(func(to transport.Target) error {
		if to.ChatID == 3 {
			return errors.New("Bad Request: chat not found")
		}
		return nil
	})
	d := NewDispatcher(sink, clock.NewAuto(time.Unix(0, 0)), logx.Nop())
	s := New(Config{Delay: FixedDelay(time.Second)}, d, store, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	id, err := s.Submit(Job{Name: "promo", Payload: TextPayload("hi"), Targets: targets(1, 2, 3)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	st, err := s.Wait(wctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Total != 3 || st.Done != 3 || st.Failed != 1 || st.Running || !st.Finished() {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Failures) != 1 || st.Failures[0].Target.ChatID != 3 {
		t.Fatalf("failures = %+v", st.Failures)
	}
}

func TestServiceWaitReturnsStatusAfterCancel(t *testing.T) {
	t.Parallel()
	sink := memory.New()
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(Config{Delay: FixedDelay(time.Minute)}, NewDispatcher(sink, fake, logx.Nop()), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	id, err := s.Submit(Job{Name: "promo", Payload: TextPayload("hi"), Targets: targets(1, 2, 3)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fake.BlockUntil(1)
	cancel()

	st, err := s.Wait(ctx, id)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v", err)
	}
	if st.ID != id || !st.Cancelled || st.Total != 3 || st.Failed != 2 || !st.Finished() {
		t.Fatalf("status = %+v", st)
	}
}

func TestServiceRejectsWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, NewDispatcher(memory.New(), nil, logx.Nop()), nil, logx.Nop())
	id, err := s.Submit(Job{Payload: TextPayload("x"), Targets: targets(1)})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit err = %v", err)
	}
	st, ok := s.Status(id)
	if !ok || !st.Finished() || st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
	if _, err := s.Submit(Job{Payload: TextPayload("  ")}); transport.Classify(err) != transport.KindConfig {
		t.Fatalf("empty text err = %v", err)
	}
}
