package turn

import (
	"errors"
	"fmt"
	"time"
)

// State is the conversational state of one session.
type State int

const (
	Idle State = iota
	ListeningToCaller
	Thinking
	Speaking
	Interrupted
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ListeningToCaller:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Interrupted:
		return "interrupted"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is reported for every state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Session-fatal outcomes returned by Machine.Run.
var (
	ErrIdleTimeout   = errors.New("turn: idle timeout")
	ErrTransportLost = errors.New("turn: transport lost")
	ErrRetryBudget   = errors.New("turn: adapter retry budget exhausted")
	ErrCallEnded     = errors.New("turn: call ended by agent")
)
