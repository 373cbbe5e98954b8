// Package conversation holds the append-only record of one goal's
// exchange between the user, the model, and the tool server. The whole
// log is replayed to the model on every iteration, so entries are never
// edited or removed.
package conversation

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/mcpchat/internal/tools"
)

// Kind identifies which variant a Turn holds.
type Kind string

// Turn variants.
const (
	KindUser       Kind = "user"
	KindModel      Kind = "model"
	KindToolResult Kind = "tool_result"
)

// Turn is one entry in a conversation. Which fields are meaningful
// depends on Kind:
//   - KindUser: Text.
//   - KindModel: Text and ToolCalls, either of which may be empty.
//   - KindToolResult: Result.
type Turn struct {
	Kind      Kind                `json:"kind"`
	Text      string              `json:"text,omitempty"`
	ToolCalls []tools.CallRequest `json:"tool_calls,omitempty"`
	Result    *tools.CallResult   `json:"result,omitempty"`
	At        time.Time           `json:"at"`
}

// User returns a user message turn.
func User(text string) Turn {
	return Turn{Kind: KindUser, Text: text, At: time.Now()}
}

// Model returns a model message turn carrying text and any tool calls
// the model proposed.
func Model(text string, calls []tools.CallRequest) Turn {
	return Turn{Kind: KindModel, Text: text, ToolCalls: calls, At: time.Now()}
}

// ToolResult returns a turn carrying the outcome of one tool call.
func ToolResult(r tools.CallResult) Turn {
	return Turn{Kind: KindToolResult, Result: &r, At: time.Now()}
}

// clone returns a copy sharing no mutable state with t.
func (t Turn) clone() Turn {
	if t.ToolCalls != nil {
		calls := make([]tools.CallRequest, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			calls[i] = c.Clone()
		}
		t.ToolCalls = calls
	}
	if t.Result != nil {
		r := *t.Result
		r.Structured = slices.Clone(r.Structured)
		t.Result = &r
	}
	return t
}

// Validate reports whether the turn's fields agree with its Kind.
func (t Turn) Validate() error {
	switch t.Kind {
	case KindUser:
		if len(t.ToolCalls) > 0 || t.Result != nil {
			return fmt.Errorf("user turn carries tool data")
		}
	case KindModel:
		if t.Result != nil {
			return fmt.Errorf("model turn carries a tool result")
		}
	case KindToolResult:
		if t.Result == nil {
			return fmt.Errorf("tool result turn has no result")
		}
		if len(t.ToolCalls) > 0 {
			return fmt.Errorf("tool result turn carries tool calls")
		}
	default:
		return fmt.Errorf("unknown turn kind %q", t.Kind)
	}
	return nil
}

// Log is an append-only, ordered conversation. It is safe for
// concurrent use.
type Log struct {
	mu    sync.RWMutex
	id    string
	turns []Turn
}

// New returns an empty log with a fresh UUIDv7 identifier.
func New() *Log {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Log{id: id.String()}
}

// Restore rebuilds a log from archived turns so an earlier conversation
// can continue. The result is append-only like any other log.
func Restore(id string, turns []Turn) (*Log, error) {
	if id == "" {
		return nil, fmt.Errorf("restore conversation: empty id")
	}
	l := &Log{id: id, turns: make([]Turn, 0, len(turns))}
	for i, t := range turns {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("restore conversation %s: turn %d: %w", id, i, err)
		}
		l.turns = append(l.turns, t.clone())
	}
	return l, nil
}

// ID returns the conversation identifier.
func (l *Log) ID() string {
	return l.id
}

// Append adds t to the end of the log and returns its position.
func (l *Log) Append(t Turn) int {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	t = t.clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t)
	return len(l.turns) - 1
}

// Snapshot returns a copy of every turn in order. Changes to the copy
// do not affect the log.
func (l *Log) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Turn, len(l.turns))
	for i, t := range l.turns {
		out[i] = t.clone()
	}
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// MarshalJSON renders the log as {"id": ..., "turns": [...]}.
func (l *Log) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID    string `json:"id"`
		Turns []Turn `json:"turns"`
	}{l.ID(), l.Snapshot()})
}
