package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/dialogue"
	"github.com/duplex-voice-agent/internal/turn"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrClosed   = errors.New("session: closed")
)

// Close reasons reported to OnClosed and the sessions_closed metric.
const (
	ReasonHangup        = "hangup"
	ReasonCallEnded     = "call_ended"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonTransportLost = "transport_lost"
	ReasonRetryBudget   = "retry_budget"
	ReasonShutdown      = "shutdown"
	ReasonError         = "error"
)

// Session is one connected call. The transport feeds caller audio in with
// PushInbound and drains agent audio from Outbound.
type Session struct {
	ID        string
	CreatedAt time.Time

	bus     *audio.Bus
	machine *turn.Machine
	history *dialogue.Context
	cancel  context.CancelFunc

	pubMu  sync.Mutex
	inSeq  uint64
	outSeq uint64

	lastActivity atomic.Int64

	runDone   chan struct{}
	runErr    error
	closeOnce sync.Once
	done      chan struct{}
	reason    string
	err       error
}

// PushInbound publishes one frame of caller audio. pcm is copied.
func (s *Session) PushInbound(pcm []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.inSeq++
	if err := s.bus.Publish(audio.NewFrame(s.inSeq, time.Now(), audio.Inbound, pcm)); err != nil {
		if errors.Is(err, audio.ErrBusClosed) {
			return ErrClosed
		}
		return err
	}
	s.touch()
	return nil
}

// publishOutbound is the synthesis streamer's exit onto the bus.
func (s *Session) publishOutbound(pcm []byte) (uint64, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.outSeq++
	seq := s.outSeq
	if err := s.bus.Publish(audio.NewFrame(seq, time.Now(), audio.Outbound, pcm)); err != nil {
		return 0, err
	}
	s.touch()
	return seq, nil
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// Outbound subscribes to agent audio. Frames published before the call are
// not replayed.
func (s *Session) Outbound() *audio.Subscription { return s.bus.Subscribe(audio.Outbound) }

// State is the turn-taking state.
func (s *Session) State() turn.State { return s.machine.State() }

// History snapshots the committed turns.
func (s *Session) History() []dialogue.Turn { return s.history.Snapshot() }

// LastActivity is the time of the most recent inbound or outbound frame.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Dropped counts frames lost to slow subscribers in dir.
func (s *Session) Dropped(dir audio.Direction) uint64 { return s.bus.Dropped(dir) }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the session-fatal error that ended the call, if any. Valid after
// Done.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Reason is why the session was torn down. Valid after Done.
func (s *Session) Reason() string {
	<-s.done
	return s.reason
}

// ReasonFor maps a turn machine exit to a close reason.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ReasonHangup
	case errors.Is(err, turn.ErrCallEnded):
		return ReasonCallEnded
	case errors.Is(err, turn.ErrIdleTimeout):
		return ReasonIdleTimeout
	case errors.Is(err, turn.ErrTransportLost):
		return ReasonTransportLost
	case errors.Is(err, turn.ErrRetryBudget):
		return ReasonRetryBudget
	default:
		return ReasonError
	}
}
