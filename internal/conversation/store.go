package conversation

import (
	"errors"
	"slices"
)

var (
	// ErrUnknownTurn is returned for IDs not in the store, or IDs of the
	// wrong kind of turn.
	ErrUnknownTurn = errors.New("conversation: unknown turn")

	// ErrNotHighlighted is returned when deciding on a turn that is not the
	// highlighted one.
	ErrNotHighlighted = errors.New("conversation: turn is not highlighted")

	// ErrAlreadyDecided is returned when deciding on a turn twice.
	ErrAlreadyDecided = errors.New("conversation: turn already decided")

	// ErrInvalidDecision is returned for a decision other than yes or skip.
	ErrInvalidDecision = errors.New("conversation: decision must be yes or skip")
)

// Store is the ordered turn list plus the highlight. It performs no I/O and
// is not safe for concurrent use; the Orchestrator serialises access.
//
// The highlighted turn is always the first completed turn whose decision is
// open, or none.
type Store struct {
	ids          IDSource
	displayLimit int
	turns        []*Turn
}

// NewStore returns an empty store drawing IDs from ids.
func NewStore(ids IDSource) *Store {
	if ids == nil {
		ids = &Counter{}
	}
	return &Store{ids: ids, displayLimit: DefaultDisplayLimit}
}

// SetDisplayLimit changes the truncation length of system turns.
func (s *Store) SetDisplayLimit(n int) { s.displayLimit = n }

// Len returns the number of turns, placeholders included.
func (s *Store) Len() int { return len(s.turns) }

// InsertCompleted appends a completed turn.
func (s *Store) InsertCompleted(role Role, text string, decision Decision, prefix string) *Turn {
	return s.InsertCompletedAt(len(s.turns), role, text, decision, prefix)
}

// InsertCompletedAt inserts a completed turn before index. The index is
// clamped to the list bounds.
func (s *Store) InsertCompletedAt(index int, role Role, text string, decision Decision, prefix string) *Turn {
	t := &Turn{
		ID:       s.ids.NextID(),
		Role:     role,
		Prefix:   prefix,
		Text:     text,
		Decision: decision,
	}
	s.insert(index, t)
	s.refocus()
	return t
}

// InsertOngoing appends a placeholder.
func (s *Store) InsertOngoing(role Role, prefix string, rate float64) *Turn {
	return s.InsertOngoingAt(len(s.turns), role, prefix, rate)
}

// InsertOngoingAt inserts a placeholder before index.
func (s *Store) InsertOngoingAt(index int, role Role, prefix string, rate float64) *Turn {
	t := &Turn{
		ID:      s.ids.NextID(),
		Role:    role,
		Prefix:  prefix,
		Rate:    rate,
		Ongoing: true,
	}
	s.insert(index, t)
	return t
}

// MovePlaceholder moves the placeholder id so that it directly follows the
// turn currently at afterIndex. An afterIndex of -1 moves it to the front.
func (s *Store) MovePlaceholder(id uint64, afterIndex int) error {
	i := s.Index(id)
	if i < 0 || !s.turns[i].Ongoing {
		return ErrUnknownTurn
	}
	t := s.turns[i]
	s.turns = slices.Delete(s.turns, i, i+1)
	if afterIndex >= i {
		afterIndex--
	}
	s.insert(afterIndex+1, t)
	return nil
}

// RemovePlaceholder drops the placeholder id.
func (s *Store) RemovePlaceholder(id uint64) error {
	i := s.Index(id)
	if i < 0 || !s.turns[i].Ongoing {
		return ErrUnknownTurn
	}
	s.turns = slices.Delete(s.turns, i, i+1)
	return nil
}

// Decide records the operator's decision on the highlighted turn and moves
// the highlight on.
func (s *Store) Decide(id uint64, d Decision) (*Turn, error) {
	t := s.Get(id)
	if t == nil || t.Ongoing {
		return nil, ErrUnknownTurn
	}
	if t.Decision != DecisionOpen {
		return nil, ErrAlreadyDecided
	}
	if !t.Highlighted {
		return nil, ErrNotHighlighted
	}
	if err := s.set(t, d); err != nil {
		return nil, err
	}
	return t, nil
}

// decideAny decides an open turn regardless of the highlight.
func (s *Store) decideAny(id uint64, d Decision) (*Turn, error) {
	t := s.Get(id)
	if t == nil || t.Ongoing {
		return nil, ErrUnknownTurn
	}
	if t.Decision != DecisionOpen {
		return nil, ErrAlreadyDecided
	}
	if err := s.set(t, d); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) set(t *Turn, d Decision) error {
	if d != DecisionYes && d != DecisionSkip {
		return ErrInvalidDecision
	}
	t.Decision = d
	s.refocus()
	return nil
}

// Get returns the turn with the given ID, or nil.
func (s *Store) Get(id uint64) *Turn {
	if i := s.Index(id); i >= 0 {
		return s.turns[i]
	}
	return nil
}

// At returns the turn at index i, or nil when out of range.
func (s *Store) At(i int) *Turn {
	if i < 0 || i >= len(s.turns) {
		return nil
	}
	return s.turns[i]
}

// Index returns the position of id, or -1.
func (s *Store) Index(id uint64) int {
	return slices.IndexFunc(s.turns, func(t *Turn) bool { return t.ID == id })
}

// Highlighted returns the highlighted turn, or nil.
func (s *Store) Highlighted() *Turn {
	for _, t := range s.turns {
		if t.Highlighted {
			return t
		}
	}
	return nil
}

// Snapshot returns a copy of all turns with display fields filled in.
func (s *Store) Snapshot() []Turn {
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = *t
		out[i].Display, out[i].Expandable = displayText(t.Role, t.Text, s.displayLimit)
	}
	return out
}

// Reset drops every turn. A non-empty system script is seeded as a decided,
// already played system turn.
func (s *Store) Reset(system string) *Turn {
	s.turns = nil
	if system == "" {
		return nil
	}
	t := &Turn{
		ID:       s.ids.NextID(),
		Role:     RoleSystem,
		Text:     system,
		Decision: DecisionYes,
		Queued:   true,
		Played:   true,
	}
	s.turns = append(s.turns, t)
	return t
}

func (s *Store) insert(index int, t *Turn) {
	index = min(max(index, 0), len(s.turns))
	s.turns = slices.Insert(s.turns, index, t)
}

func (s *Store) refocus() {
	found := false
	for _, t := range s.turns {
		t.Highlighted = !found && !t.Ongoing && t.Decision == DecisionOpen
		if t.Highlighted {
			found = true
		}
	}
}
