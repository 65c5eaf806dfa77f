package listen_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/listen"
	"github.com/MrWong99/chandaliar/internal/segment"
	audiomock "github.com/MrWong99/chandaliar/pkg/audio/mock"
	"github.com/MrWong99/chandaliar/pkg/provider/stt"
	sttmock "github.com/MrWong99/chandaliar/pkg/provider/stt/mock"
)

type insertCall struct {
	stream segment.Stream
	role   conversation.Role
	prefix string
	opts   int
}

type fakeInserter struct {
	mu    sync.Mutex
	calls []insertCall
}

func (f *fakeInserter) InsertOngoing(_ context.Context, s segment.Stream, role conversation.Role, prefix string, _ float64, opts ...conversation.OngoingOption) conversation.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, insertCall{stream: s, role: role, prefix: prefix, opts: len(opts)})
	return conversation.Turn{}
}

func (f *fakeInserter) snapshot() []insertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]insertCall(nil), f.calls...)
}

type countingLight struct {
	mu sync.Mutex
	n  int
}

func (c *countingLight) Listen() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingLight) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func chunks(t *testing.T, s segment.Stream) []string {
	t.Helper()
	var out []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("stream did not end; got %q", out)
		}
	}
}

func latestLive(s segment.Stream) string {
	select {
	case v := <-s.Live():
		return v
	case <-time.After(time.Second):
		return "<none>"
	}
}

type harness struct {
	sess   *sttmock.Session
	conv   *fakeInserter
	light  *countingLight
	src    *audiomock.Source
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg listen.Config) *harness {
	t.Helper()
	h := &harness{
		sess:  sttmock.NewSession(),
		conv:  &fakeInserter{},
		light: &countingLight{},
		src:   &audiomock.Source{},
		done:  make(chan error, 1),
	}
	p := &sttmock.Provider{Session: h.sess}
	lane := listen.NewLane(cfg, p, h.conv, listen.WithLight(h.light))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- lane.Run(ctx, h.src) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	waitFor(t, "capture start", func() bool { s, _ := h.src.Counts(); return s == 1 })
	return h
}

func TestLane_GroupsFinalsIntoOneTurn(t *testing.T) {
	t.Parallel()
	h := start(t, listen.Config{Name: "Anna", GroupTimeout: 50 * time.Millisecond})

	h.sess.PartialsCh <- stt.Transcript{Text: "hallo"}
	waitFor(t, "group", func() bool { return len(h.conv.snapshot()) == 1 })
	call := h.conv.snapshot()[0]
	if call.role != conversation.RoleUser || call.prefix != "Anna: " || call.opts != 0 {
		t.Fatalf("unexpected insert %+v", call)
	}
	if got := latestLive(call.stream); got != "hallo" {
		t.Errorf("live = %q", got)
	}

	h.sess.FinalsCh <- stt.Transcript{Text: "Hallo Welt.", IsFinal: true}
	h.sess.FinalsCh <- stt.Transcript{Text: "Wie geht es?", IsFinal: true}

	got := chunks(t, call.stream)
	want := []string{"Hallo Welt.", "Wie geht es?"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("chunks %q, want %q", got, want)
	}
	if _, ok := call.stream.InitialLatency(); !ok {
		t.Error("initial latency not recorded")
	}
	if len(h.conv.snapshot()) != 1 {
		t.Error("finals of one group opened several turns")
	}
}

func TestLane_TimeoutStartsNewGroup(t *testing.T) {
	t.Parallel()
	h := start(t, listen.Config{Name: "Ben", GroupTimeout: 20 * time.Millisecond})

	h.sess.FinalsCh <- stt.Transcript{Text: "Eins", IsFinal: true}
	waitFor(t, "first group", func() bool { return len(h.conv.snapshot()) == 1 })
	first := h.conv.snapshot()[0].stream
	if got := chunks(t, first); len(got) != 1 || got[0] != "Eins" {
		t.Errorf("first group %q", got)
	}

	h.sess.FinalsCh <- stt.Transcript{Text: "Zwei", IsFinal: true}
	waitFor(t, "second group", func() bool { return len(h.conv.snapshot()) == 2 })
	if h.light.count() < 3 {
		t.Errorf("light signalled %d times, want recording start plus one per group", h.light.count())
	}
}

func TestLane_AutomaticMode(t *testing.T) {
	t.Parallel()
	h := start(t, listen.Config{Name: "Saal", Mode: listen.ModeAutomatic})
	h.sess.FinalsCh <- stt.Transcript{Text: "Hallo!", IsFinal: true}
	waitFor(t, "group", func() bool { return len(h.conv.snapshot()) == 1 })
	if h.conv.snapshot()[0].opts != 1 {
		t.Error("automatic lane did not auto-accept")
	}
}

func TestLane_ForwardsAudio(t *testing.T) {
	t.Parallel()
	h := start(t, listen.Config{Name: "Mic"})
	if !h.src.Feed(make([]byte, 320)) {
		t.Fatal("no capture callback")
	}
	waitFor(t, "audio", func() bool { return h.sess.AudioChunks() == 1 })
	if got := len(h.sess.Audio[0]); got != 320 {
		t.Errorf("sent %d bytes, want 320", got)
	}
}

func TestLane_SessionEndCompletesGroup(t *testing.T) {
	t.Parallel()
	h := start(t, listen.Config{Name: "Mic", GroupTimeout: time.Hour})
	h.sess.FinalsCh <- stt.Transcript{Text: "ohne Punkt", IsFinal: true}
	waitFor(t, "group", func() bool { return len(h.conv.snapshot()) == 1 })

	close(h.sess.PartialsCh)
	close(h.sess.FinalsCh)
	if err := <-h.done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.done <- nil // consumed by cleanup

	if got := chunks(t, h.conv.snapshot()[0].stream); len(got) != 1 || got[0] != "ohne Punkt" {
		t.Errorf("chunks %q", got)
	}
	if _, stops := h.src.Counts(); stops != 1 {
		t.Errorf("capture stopped %d times", stops)
	}
	if h.sess.Closed() != 1 {
		t.Error("session not closed")
	}
}

func TestLane_StartErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	lane := listen.NewLane(listen.Config{Name: "x"}, &sttmock.Provider{StartStreamErr: boom}, &fakeInserter{})
	if err := lane.Run(context.Background(), &audiomock.Source{}); !errors.Is(err, boom) {
		t.Errorf("stt error: got %v", err)
	}

	lane = listen.NewLane(listen.Config{Name: "x"}, &sttmock.Provider{}, &fakeInserter{})
	if err := lane.Run(context.Background(), &audiomock.Source{StartErr: boom}); !errors.Is(err, boom) {
		t.Errorf("capture error: got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]listen.Mode{"": listen.ModeManual, "manual": listen.ModeManual, "automatic": listen.ModeAutomatic} {
		if got, err := listen.ParseMode(in); err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := listen.ParseMode("loud"); err == nil {
		t.Error("expected error")
	}
}
