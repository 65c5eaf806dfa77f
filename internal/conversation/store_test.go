package conversation_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/chandaliar/internal/conversation"
)

func texts(turns []conversation.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		if t.Ongoing {
			out[i] = "<ongoing>"
			continue
		}
		out[i] = t.Text
	}
	return out
}

func equalStrings(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStore_HighlightFollowsFirstOpen(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	a := s.InsertCompleted(conversation.RoleUser, "a", conversation.DecisionOpen, "")
	b := s.InsertCompleted(conversation.RoleUser, "b", conversation.DecisionOpen, "")

	if h := s.Highlighted(); h == nil || h.ID != a.ID {
		t.Fatalf("highlight = %v, want a", h)
	}
	if _, err := s.Decide(a.ID, conversation.DecisionSkip); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if h := s.Highlighted(); h == nil || h.ID != b.ID {
		t.Fatalf("highlight = %v, want b", h)
	}
	if _, err := s.Decide(b.ID, conversation.DecisionYes); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if h := s.Highlighted(); h != nil {
		t.Errorf("highlight = %v, want none", h)
	}
}

func TestStore_DecidedTurnsAreNotHighlighted(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	s.InsertCompleted(conversation.RoleAssistant, "done", conversation.DecisionYes, "")
	ph := s.InsertOngoing(conversation.RoleUser, "", 1)
	open := s.InsertCompleted(conversation.RoleUser, "open", conversation.DecisionOpen, "")

	if h := s.Highlighted(); h == nil || h.ID != open.ID {
		t.Fatalf("highlight = %v, want open turn", h)
	}
	if ph.Highlighted {
		t.Error("placeholder highlighted")
	}
}

func TestStore_DecideErrors(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	a := s.InsertCompleted(conversation.RoleUser, "a", conversation.DecisionOpen, "")
	b := s.InsertCompleted(conversation.RoleUser, "b", conversation.DecisionOpen, "")
	ph := s.InsertOngoing(conversation.RoleUser, "", 1)

	tests := []struct {
		name string
		id   uint64
		d    conversation.Decision
		want error
	}{
		{"unknown", 999, conversation.DecisionYes, conversation.ErrUnknownTurn},
		{"placeholder", ph.ID, conversation.DecisionYes, conversation.ErrUnknownTurn},
		{"not highlighted", b.ID, conversation.DecisionYes, conversation.ErrNotHighlighted},
		{"open is not a decision", a.ID, conversation.DecisionOpen, conversation.ErrInvalidDecision},
	}
	for _, tc := range tests {
		if _, err := s.Decide(tc.id, tc.d); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	if _, err := s.Decide(a.ID, conversation.DecisionYes); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := s.Decide(a.ID, conversation.DecisionSkip); !errors.Is(err, conversation.ErrAlreadyDecided) {
		t.Errorf("second decision: got %v, want ErrAlreadyDecided", err)
	}
}

func TestStore_SpliceBeforePlaceholder(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	s.InsertCompleted(conversation.RoleUser, "first", conversation.DecisionOpen, "")
	ph := s.InsertOngoing(conversation.RoleAssistant, "", 1)
	s.InsertCompleted(conversation.RoleUser, "later", conversation.DecisionOpen, "")

	s.InsertCompletedAt(s.Index(ph.ID), conversation.RoleAssistant, "c1", conversation.DecisionOpen, "")
	s.InsertCompletedAt(s.Index(ph.ID), conversation.RoleAssistant, "c2", conversation.DecisionOpen, "")
	equalStrings(t, texts(s.Snapshot()), []string{"first", "c1", "c2", "<ongoing>", "later"})

	if err := s.RemovePlaceholder(ph.ID); err != nil {
		t.Fatalf("RemovePlaceholder: %v", err)
	}
	equalStrings(t, texts(s.Snapshot()), []string{"first", "c1", "c2", "later"})
	if err := s.RemovePlaceholder(ph.ID); !errors.Is(err, conversation.ErrUnknownTurn) {
		t.Errorf("second remove: got %v", err)
	}
}

func TestStore_MovePlaceholder(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	ph := s.InsertOngoing(conversation.RoleUser, "", 1)
	s.InsertCompleted(conversation.RoleUser, "a", conversation.DecisionOpen, "")
	s.InsertCompleted(conversation.RoleUser, "b", conversation.DecisionOpen, "")

	if err := s.MovePlaceholder(ph.ID, 2); err != nil {
		t.Fatalf("MovePlaceholder: %v", err)
	}
	equalStrings(t, texts(s.Snapshot()), []string{"a", "b", "<ongoing>"})

	if err := s.MovePlaceholder(ph.ID, -1); err != nil {
		t.Fatalf("MovePlaceholder: %v", err)
	}
	equalStrings(t, texts(s.Snapshot()), []string{"<ongoing>", "a", "b"})

	if err := s.MovePlaceholder(ph.ID, 1); err != nil {
		t.Fatalf("MovePlaceholder: %v", err)
	}
	equalStrings(t, texts(s.Snapshot()), []string{"a", "<ongoing>", "b"})
}

func TestStore_Reset(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	s.InsertCompleted(conversation.RoleUser, "x", conversation.DecisionOpen, "")

	sys := s.Reset("Du bist ein Kronleuchter.")
	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d turns, want 1", len(snap))
	}
	got := snap[0]
	if got.ID != sys.ID || got.Role != conversation.RoleSystem || got.Decision != conversation.DecisionYes || !got.Played || !got.Queued {
		t.Errorf("unexpected system turn %+v", got)
	}
	if s.Highlighted() != nil {
		t.Error("system turn highlighted")
	}

	if s.Reset("") != nil || s.Len() != 0 {
		t.Error("empty script should leave the store empty")
	}
}

func TestStore_DisplayText(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(nil)
	long := strings.Repeat("ä", 130)
	s.Reset(long)
	s.InsertCompleted(conversation.RoleUser, long, conversation.DecisionOpen, "")

	snap := s.Snapshot()
	if !snap[0].Expandable || snap[0].Display != strings.Repeat("ä", 120)+"..." {
		t.Errorf("system display = %q (expandable %v)", snap[0].Display, snap[0].Expandable)
	}
	if snap[1].Expandable || snap[1].Display != long {
		t.Error("user turns must not be truncated")
	}
}

func TestStore_IDsIncrease(t *testing.T) {
	t.Parallel()
	s := conversation.NewStore(&conversation.Counter{})
	a := s.InsertCompleted(conversation.RoleUser, "a", conversation.DecisionOpen, "")
	b := s.InsertOngoing(conversation.RoleUser, "", 1)
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()
	for _, d := range []conversation.Decision{conversation.DecisionOpen, conversation.DecisionYes, conversation.DecisionSkip} {
		got, err := conversation.ParseDecision(d.String())
		if err != nil || got != d {
			t.Errorf("round trip %v: got %v, %v", d, got, err)
		}
	}
	if _, err := conversation.ParseDecision("maybe"); err == nil {
		t.Error("expected error")
	}
}
