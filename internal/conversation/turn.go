// Package conversation keeps the operator-reviewed list of turns and drives
// what happens when the operator decides on them.
//
// A [Store] is the pure, single-threaded turn list. The [Orchestrator] owns
// a Store and connects it to the outside: recognition and reply streams are
// spliced in as they complete, accepted assistant turns go to the [Player],
// and accepted user turns prompt the language model through the [Prompter].
package conversation

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

// Role is who a turn belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole accepts the three role names.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	}
	return "", fmt.Errorf("conversation: unknown role %q", s)
}

// Decision is the operator's verdict on a completed turn. It only ever moves
// from open to yes or skip.
type Decision int

const (
	DecisionOpen Decision = iota
	DecisionYes
	DecisionSkip
)

// String returns "open", "yes" or "skip".
func (d Decision) String() string {
	switch d {
	case DecisionYes:
		return "yes"
	case DecisionSkip:
		return "skip"
	default:
		return "open"
	}
}

// ParseDecision is the inverse of String.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "open":
		return DecisionOpen, nil
	case "yes":
		return DecisionYes, nil
	case "skip":
		return DecisionSkip, nil
	}
	return DecisionOpen, fmt.Errorf("conversation: unknown decision %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Decision) UnmarshalText(b []byte) error {
	v, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// DefaultDisplayLimit is the rune count after which system turns are shown
// truncated.
const DefaultDisplayLimit = 120

// Turn is one entry of the conversation. Ongoing turns are placeholders for
// a stream that is still producing text; their Text is the stream's live
// text and they carry no decision.
type Turn struct {
	ID       uint64   `json:"id"`
	Role     Role     `json:"role"`
	Prefix   string   `json:"prefix,omitempty"`
	Rate     float64  `json:"rate,omitempty"`
	Ongoing  bool     `json:"ongoing"`
	Text     string   `json:"text"`
	Decision Decision `json:"decision"`

	Highlighted bool `json:"highlighted"`
	Queued      bool `json:"queued"`
	Played      bool `json:"played"`

	// Display is Text, shortened for long system turns. Expandable reports
	// whether it was shortened. Both are filled in snapshots.
	Display    string `json:"display"`
	Expandable bool   `json:"expandable"`

	// InitialLatency is the source's time to first output, if measured.
	InitialLatency time.Duration `json:"initial_latency,omitempty"`
}

// Completed reports whether the turn is not a placeholder.
func (t Turn) Completed() bool { return !t.Ongoing }

// Message renders the turn as a chat message, prefix included.
func (t Turn) Message() llm.Message {
	return llm.Message{Role: string(t.Role), Content: t.Prefix + t.Text}
}

func displayText(role Role, text string, limit int) (string, bool) {
	if role != RoleSystem || limit <= 0 {
		return text, false
	}
	r := []rune(text)
	if len(r) <= limit {
		return text, false
	}
	return string(r[:limit]) + "...", true
}

// IDSource hands out turn IDs. IDs must be unique and increasing.
type IDSource interface {
	NextID() uint64
}

// Counter is the default IDSource, starting at 1.
type Counter struct {
	n atomic.Uint64
}

// NextID implements [IDSource].
func (c *Counter) NextID() uint64 { return c.n.Add(1) }
