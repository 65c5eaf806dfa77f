package conversation_test

import (
	"bytes"
	"context"
	"errors"
	"runtime/pprof"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/conversation/mock"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newOrchestrator(t *testing.T) (*conversation.Orchestrator, *mock.Prompter, *mock.Player) {
	t.Helper()
	p := &mock.Prompter{}
	pl := &mock.Player{}
	o := conversation.New(p, pl)
	t.Cleanup(func() { _ = o.Close() })
	return o, p, pl
}

func hasOngoing(o *conversation.Orchestrator) bool {
	for _, t := range o.Turns() {
		if t.Ongoing {
			return true
		}
	}
	return false
}

func TestInsertOngoing_SplicesChunks(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	ctx := context.Background()

	seg := segment.New()
	seg.SetInitialLatency(80 * time.Millisecond)
	ph := o.InsertOngoing(ctx, seg, conversation.RoleUser, "Mic: ", 1)
	if !ph.Ongoing {
		t.Fatal("placeholder not ongoing")
	}

	seg.Append("Hallo? ")
	waitFor(t, "first chunk", func() bool { return len(o.Turns()) == 2 })
	seg.Append("Wie geht's? ")
	waitFor(t, "second chunk", func() bool { return len(o.Turns()) == 3 })

	// Another source lands after the placeholder.
	o.InsertCompleted(conversation.RoleAssistant, "Anderes", conversation.DecisionOpen, "")
	seg.Append("Gut. ")
	waitFor(t, "third chunk", func() bool { return len(o.Turns()) == 5 })
	equalStrings(t, texts(o.Turns()), []string{"Hallo?", "Wie geht's?", "Gut.", "<ongoing>", "Anderes"})

	seg.Complete()
	waitFor(t, "placeholder removal", func() bool { return !hasOngoing(o) })

	turns := o.Turns()
	equalStrings(t, texts(turns), []string{"Hallo?", "Wie geht's?", "Gut.", "Anderes"})
	if turns[0].Prefix != "Mic: " || turns[0].InitialLatency != 80*time.Millisecond {
		t.Errorf("chunk metadata not copied: %+v", turns[0])
	}
	if !turns[0].Highlighted {
		t.Error("first chunk should be highlighted")
	}
}

func TestInsertOngoing_LiveText(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	seg := segment.New()
	o.InsertOngoing(context.Background(), seg, conversation.RoleUser, "", 1)

	seg.Update("hallo wel")
	waitFor(t, "live text", func() bool {
		turns := o.Turns()
		return len(turns) == 1 && turns[0].Text == "hallo wel"
	})
	seg.Complete()
}

func TestInsertOngoing_EmptyStreamKeepsHighlight(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	open := o.InsertCompleted(conversation.RoleUser, "Wer ist da?", conversation.DecisionOpen, "")

	seg := segment.New()
	o.InsertOngoing(context.Background(), seg, conversation.RoleUser, "Gast: ", 1)
	seg.Update("   ")
	seg.Complete()

	waitFor(t, "placeholder removal", func() bool { return !hasOngoing(o) })
	equalStrings(t, texts(o.Turns()), []string{"Wer ist da?"})
	if h, ok := o.Highlighted(); !ok || h.ID != open.ID {
		t.Errorf("highlight = %+v (%v), want turn %d", h, ok, open.ID)
	}
}

func TestInsertOngoing_ContextCancelRemovesPlaceholder(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	o.InsertOngoing(ctx, segment.New(), conversation.RoleUser, "", 1)
	cancel()
	waitFor(t, "placeholder removal", func() bool { return len(o.Turns()) == 0 })
}

func TestDecide_AssistantQueuesAndMarksPlayed(t *testing.T) {
	t.Parallel()
	o, _, pl := newOrchestrator(t)
	ctx := context.Background()

	turn := o.InsertCompleted(conversation.RoleAssistant, "Guten Tag.", conversation.DecisionOpen, "")
	got, err := o.Decide(ctx, turn.ID, conversation.DecisionYes)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !got.Queued {
		t.Error("turn not queued")
	}
	calls := pl.Calls()
	if len(calls) != 1 || calls[0].Text != "Guten Tag." || calls[0].Source != "assistant" || calls[0].Rate != 1 {
		t.Fatalf("unexpected player calls %+v", calls)
	}

	calls[0].Ticket.Resolve(true)
	waitFor(t, "played flag", func() bool { return o.Turns()[0].Played })
}

func TestDecide_UserPromptsAndAnchorsReply(t *testing.T) {
	t.Parallel()
	o, p, _ := newOrchestrator(t)
	ctx := context.Background()

	o.Clear("Sei freundlich.")
	u1 := o.InsertCompleted(conversation.RoleUser, "Wer bist du?", conversation.DecisionOpen, "Anna: ")
	o.InsertCompleted(conversation.RoleUser, "Und warum?", conversation.DecisionOpen, "Ben: ")

	if _, err := o.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	waitFor(t, "prompt", func() bool { return len(p.Calls()) == 1 })
	calls := p.Calls()
	want := []llm.Message{
		{Role: "system", Content: "Sei freundlich."},
		{Role: "user", Content: "Anna: Wer bist du?"},
	}
	if len(calls[0].Messages) != len(want) {
		t.Fatalf("got messages %+v, want %+v", calls[0].Messages, want)
	}
	for i := range want {
		if calls[0].Messages[i].Role != want[i].Role || calls[0].Messages[i].Content != want[i].Content {
			t.Errorf("message %d: got %+v, want %+v", i, calls[0].Messages[i], want[i])
		}
	}

	reply := calls[0].Reply
	reply.Append("Ich bin Lumi. ")
	reply.Complete()
	waitFor(t, "reply", func() bool { return len(o.Turns()) == 4 && !hasOngoing(o) })

	turns := o.Turns()
	equalStrings(t, texts(turns), []string{"Sei freundlich.", "Wer bist du?", "Ich bin Lumi.", "Und warum?"})
	if turns[1].ID != u1.ID || turns[2].Role != conversation.RoleAssistant {
		t.Errorf("unexpected order %+v", turns)
	}
	if !turns[2].Highlighted {
		t.Error("reply should take the highlight")
	}
}

func TestDecide_PromptErrorLeavesNoPlaceholder(t *testing.T) {
	t.Parallel()
	p := &mock.Prompter{Err: errors.New("boom")}
	o := conversation.New(p, &mock.Player{})
	defer o.Close()

	u := o.InsertCompleted(conversation.RoleUser, "Hallo", conversation.DecisionOpen, "")
	if _, err := o.Decide(context.Background(), u.ID, conversation.DecisionYes); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitFor(t, "prompt", func() bool { return len(p.Calls()) == 1 })
	_ = o.Close()
	equalStrings(t, texts(o.Turns()), []string{"Hallo"})
}

func TestAccept_ReturnsBeforeReplyOpens(t *testing.T) {
	t.Parallel()
	p := &mock.Prompter{Gate: make(chan struct{})}
	o := conversation.New(p, &mock.Player{})
	t.Cleanup(func() { _ = o.Close() })

	o.InsertCompleted(conversation.RoleUser, "eins", conversation.DecisionOpen, "")
	o.InsertCompleted(conversation.RoleUser, "zwei", conversation.DecisionOpen, "")

	done := make(chan error, 1)
	go func() {
		_, err := o.Accept(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept blocked on the prompter")
	}

	// The next turn can be decided while the first prompt is still pending.
	if h, ok := o.Highlighted(); !ok || h.Text != "zwei" {
		t.Fatalf("highlight = %+v, want zwei", h)
	}
	if _, err := o.Skip(context.Background()); err != nil {
		t.Fatalf("Skip: %v", err)
	}

	close(p.Gate)
	waitFor(t, "prompt", func() bool { return len(p.Calls()) == 1 })
	p.Calls()[0].Reply.Complete()
}

func TestAcceptSkip_NoHighlight(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	if _, err := o.Accept(context.Background()); !errors.Is(err, conversation.ErrNoHighlight) {
		t.Errorf("Accept: got %v", err)
	}
	if _, err := o.Skip(context.Background()); !errors.Is(err, conversation.ErrNoHighlight) {
		t.Errorf("Skip: got %v", err)
	}
}

func TestSkip_MovesOn(t *testing.T) {
	t.Parallel()
	o, p, pl := newOrchestrator(t)
	o.InsertCompleted(conversation.RoleAssistant, "a", conversation.DecisionOpen, "")
	b := o.InsertCompleted(conversation.RoleUser, "b", conversation.DecisionOpen, "")

	got, err := o.Skip(context.Background())
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if got.Decision != conversation.DecisionSkip {
		t.Errorf("decision = %v", got.Decision)
	}
	if h, ok := o.Highlighted(); !ok || h.ID != b.ID {
		t.Errorf("highlight = %+v, want b", h)
	}
	if len(pl.Calls()) != 0 || len(p.Calls()) != 0 {
		t.Error("skip must not render or prompt")
	}
}

func TestResolveAll(t *testing.T) {
	t.Parallel()
	o, p, pl := newOrchestrator(t)
	o.Clear("script")
	o.InsertCompleted(conversation.RoleUser, "u1", conversation.DecisionOpen, "")
	o.InsertCompleted(conversation.RoleAssistant, "a1", conversation.DecisionOpen, "")
	o.InsertCompleted(conversation.RoleUser, "u2", conversation.DecisionOpen, "")

	accepted := o.ResolveAll(context.Background())
	if len(accepted) != 3 {
		t.Fatalf("accepted %d turns, want 3", len(accepted))
	}
	if calls := pl.Calls(); len(calls) != 1 || calls[0].Text != "a1" {
		t.Errorf("player calls %+v", calls)
	}
	waitFor(t, "prompt", func() bool { return len(p.Calls()) == 1 })
	calls := p.Calls()
	if len(calls) != 1 || len(calls[0].Messages) != 4 {
		t.Fatalf("want one prompt with 4 messages, got %+v", calls)
	}
	if _, ok := o.Highlighted(); ok {
		t.Error("nothing should remain highlighted")
	}
	calls[0].Reply.Complete()
}

func TestResolveAndPrompt_BadIndex(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	if err := o.ResolveAndPrompt(context.Background(), 3); !errors.Is(err, conversation.ErrUnknownTurn) {
		t.Errorf("got %v, want ErrUnknownTurn", err)
	}
}

func TestPushAssistant_SplicesBeforeOpen(t *testing.T) {
	t.Parallel()
	o, _, pl := newOrchestrator(t)
	o.Clear("script")
	o.InsertCompleted(conversation.RoleUser, "offen", conversation.DecisionOpen, "")

	got := o.PushAssistant("Willkommen!")
	if got.Decision != conversation.DecisionYes || !got.Queued {
		t.Errorf("pushed turn %+v", got)
	}
	equalStrings(t, texts(o.Turns()), []string{"script", "Willkommen!", "offen"})
	if len(pl.Calls()) != 1 {
		t.Error("pushed assistant turn not queued")
	}

	o.PushUser("Frage")
	equalStrings(t, texts(o.Turns()), []string{"script", "Willkommen!", "offen", "Frage"})
}

func TestPushAssistant_AppendsWhenAllDecided(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	o.Clear("script")
	o.PushAssistant("eins")
	o.PushAssistant("zwei")
	equalStrings(t, texts(o.Turns()), []string{"script", "eins", "zwei"})
}

func TestSetRate(t *testing.T) {
	t.Parallel()
	o, _, pl := newOrchestrator(t)
	o.PushAssistant("vorher")
	o.SetRate(1.25)
	o.PushAssistant("nachher")

	calls := pl.Calls()
	if len(calls) != 2 {
		t.Fatalf("pushes = %d, want 2", len(calls))
	}
	if calls[0].Rate != 1 || calls[1].Rate != 1.25 {
		t.Errorf("rates = %v, %v, want 1, 1.25", calls[0].Rate, calls[1].Rate)
	}
}

func TestClear_DetachesStreams(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	seg := segment.New()
	o.InsertOngoing(context.Background(), seg, conversation.RoleUser, "", 1)

	o.Clear("neu")
	seg.Append("Spät? ")
	seg.Complete()
	time.Sleep(20 * time.Millisecond)
	equalStrings(t, texts(o.Turns()), []string{"neu"})
}

func TestAutoAccept_PromptsOnceAtEnd(t *testing.T) {
	t.Parallel()
	o, p, _ := newOrchestrator(t)
	seg := segment.New()
	o.InsertOngoing(context.Background(), seg, conversation.RoleUser, "Saal: ", 1, conversation.AutoAccept())

	seg.Append("Hallo! ")
	seg.Append("Wie spät ist es? ")
	waitFor(t, "chunks", func() bool { return len(o.Turns()) == 3 })
	for _, turn := range o.Turns() {
		if !turn.Ongoing && turn.Decision != conversation.DecisionYes {
			t.Errorf("chunk %q not accepted", turn.Text)
		}
	}
	if len(p.Calls()) != 0 {
		t.Fatal("prompted before the stream ended")
	}

	seg.Complete()
	waitFor(t, "prompt", func() bool { return len(p.Calls()) == 1 })
	if got := len(p.Calls()[0].Messages); got != 2 {
		t.Errorf("got %d messages, want 2", got)
	}
	p.Calls()[0].Reply.Complete()
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	o, _, _ := newOrchestrator(t)
	ch, cancel := o.Subscribe()

	if first := <-ch; len(first) != 0 {
		t.Fatalf("initial snapshot has %d turns", len(first))
	}
	o.InsertCompleted(conversation.RoleUser, "a", conversation.DecisionOpen, "")
	o.InsertCompleted(conversation.RoleUser, "b", conversation.DecisionOpen, "")
	if latest := <-ch; len(latest) != 2 {
		t.Errorf("latest snapshot has %d turns, want 2", len(latest))
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
}

// pumpGoroutines counts segmenters still trying to hand out a chunk.
func pumpGoroutines() int {
	var buf bytes.Buffer
	_ = pprof.Lookup("goroutine").WriteTo(&buf, 2)
	return strings.Count(buf.String(), "segment.(*Segmenter).pump(")
}

// Not parallel: it counts goroutines process-wide.
func TestClear_DrainsDetachedStreams(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	before := pumpGoroutines()

	for range 10 {
		seg := segment.New()
		o.InsertOngoing(context.Background(), seg, conversation.RoleUser, "", 1)
		o.Clear("neu")
		seg.Append("Spät? ")
		seg.Complete()
	}

	waitFor(t, "detached segmenters to finish", func() bool { return pumpGoroutines() <= before })
	equalStrings(t, texts(o.Turns()), []string{"neu"})
}

func TestInsertOngoing_CancelDrainsStream(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	before := pumpGoroutines()

	ctx, cancel := context.WithCancel(context.Background())
	seg := segment.New()
	o.InsertOngoing(ctx, seg, conversation.RoleUser, "", 1)
	cancel()
	waitFor(t, "placeholder removal", func() bool { return len(o.Turns()) == 0 })

	seg.Append("Noch da? ")
	seg.Complete()
	waitFor(t, "detached segmenter to finish", func() bool { return pumpGoroutines() <= before })
	if n := len(o.Turns()); n != 0 {
		t.Errorf("got %d turns, want the late chunk dropped", n)
	}
}
