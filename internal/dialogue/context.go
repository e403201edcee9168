package dialogue

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotChronological is returned when a turn would be committed before the
// most recent one.
var ErrNotChronological = errors.New("dialogue: turn committed out of order")

type TurnKind int

const (
	// KindConversation is a normal caller/agent exchange.
	KindConversation TurnKind = iota
	// KindSystem holds agent speech not produced by the model, such as the
	// greeting or an apology.
	KindSystem
	// KindInterruption records what the caller actually heard of a reply
	// they cut off.
	KindInterruption
)

func (k TurnKind) String() string {
	switch k {
	case KindConversation:
		return "conversation"
	case KindSystem:
		return "system"
	case KindInterruption:
		return "interruption"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ToolExchange is one tool invocation made while producing a reply.
type ToolExchange struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// Turn is a committed caller/agent exchange.
type Turn struct {
	ID          string         `json:"id"`
	Kind        TurnKind       `json:"kind"`
	Caller      string         `json:"caller,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Tools       []ToolExchange `json:"tools,omitempty"`
	Truncated   bool           `json:"truncated,omitempty"`
	// Discarded marks an interruption whose reply is dropped from the prompt.
	Discarded   bool           `json:"discarded,omitempty"`
	HeardSeq    uint64         `json:"heard_seq,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CommittedAt time.Time      `json:"committed_at"`
}

// Context is the session's ordered, append-only working memory. Readers may
// snapshot it from any goroutine; a single writer appends.
type Context struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewContext() *Context { return &Context{} }

// Append commits t. A zero CommittedAt is stamped with the current time.
func (c *Context) Append(t Turn) error {
	if t.CommittedAt.IsZero() {
		t.CommittedAt = time.Now()
	}
	t.Tools = append([]ToolExchange(nil), t.Tools...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.turns); n > 0 && t.CommittedAt.Before(c.turns[n-1].CommittedAt) {
		return fmt.Errorf("%w: %s before %s", ErrNotChronological, t.CommittedAt.Format(time.RFC3339Nano), c.turns[n-1].CommittedAt.Format(time.RFC3339Nano))
	}
	c.turns = append(c.turns, t)
	return nil
}

// Snapshot returns a copy of every committed turn in order.
func (c *Context) Snapshot() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}
