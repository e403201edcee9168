package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/config"
	"github.com/duplex-voice-agent/internal/dialogue"
	"github.com/duplex-voice-agent/internal/logging"
	"github.com/duplex-voice-agent/internal/metrics"
	"github.com/duplex-voice-agent/internal/recording"
	"github.com/duplex-voice-agent/internal/stt"
	"github.com/duplex-voice-agent/internal/tts"
	"github.com/duplex-voice-agent/internal/turn"
	"github.com/duplex-voice-agent/internal/vad"
)

// Options configure one session. Nil adapters are built from Config.
type Options struct {
	// ID defaults to a random uuid.
	ID     string
	Config config.Config

	Transcriber stt.Transcriber
	LLM         dialogue.Provider
	Synthesizer tts.Provider
	Tools       dialogue.ToolCaller
	Classifier  vad.Classifier

	OnTransition func(turn.Transition)
}

// Manager owns every live session, keyed by id.
type Manager struct {
	metrics  *metrics.Metrics
	recorder *recording.Recorder
	tools    dialogue.ToolCaller
	onClosed func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

type ManagerOption func(*Manager)

func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mg *Manager) { mg.metrics = m }
}

// WithRecorder persists every committed turn.
func WithRecorder(r *recording.Recorder) ManagerOption {
	return func(mg *Manager) { mg.recorder = r }
}

// WithTools sets the tool caller used by sessions that bring none.
func WithTools(t dialogue.ToolCaller) ManagerOption {
	return func(mg *Manager) { mg.tools = t }
}

// WithOnClosed runs fn exactly once per session after it is torn down.
func WithOnClosed(fn func(*Session)) ManagerOption {
	return func(mg *Manager) { mg.onClosed = fn }
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{sessions: make(map[string]*Session)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create validates opts.Config, builds the session's components and starts
// its turn machine. The session lives until Teardown, Shutdown, or a
// session-fatal error; ctx cancellation also ends it.
func (m *Manager) Create(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: invalid config: %w", err)
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	transcriber := opts.Transcriber
	if transcriber == nil {
		t, err := stt.New(cfg.STT, cfg.Audio.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("session: stt: %w", err)
		}
		transcriber = t
	}
	llm := opts.LLM
	if llm == nil {
		p, err := dialogue.NewProvider(ctx, cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("session: llm: %w", err)
		}
		llm = p
	}
	synth := opts.Synthesizer
	if synth == nil {
		p, err := tts.New(cfg.TTS, cfg.Audio.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("session: tts: %w", err)
		}
		synth = p
	}
	tools := opts.Tools
	if tools == nil {
		tools = m.tools
	}

	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		history:   dialogue.NewContext(),
		runDone:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.touch()
	s.bus = audio.NewBus(cfg.Audio.QueueDepth,
		audio.WithOverflowHook(func(d audio.Direction) { m.metrics.FrameDropped(d.String()) }),
		audio.WithLogFields(logging.SessionFields(id)...),
	)
	streamer := tts.NewStreamer(synth, s.publishOutbound, tts.Options{
		FrameBytes:        cfg.Audio.FrameBytes(),
		FrameDuration:     cfg.Audio.FrameDuration,
		FadeFrames:        cfg.Turn.FadeFrames,
		FirstAudioTimeout: cfg.Turn.TTSTimeout,
	})
	var onTurn turn.TurnHook
	if m.recorder != nil {
		onTurn = func(t dialogue.Turn, pcm []byte) {
			if err := m.recorder.SaveTurn(id, t, pcm); err != nil {
				logging.Warnw("session: failed to record turn", "session.id", id, "turn.id", t.ID, "err", err)
			}
		}
	}
	s.machine = turn.New(turn.Options{
		SessionID:    id,
		Turn:         cfg.Turn,
		VAD:          cfg.VAD,
		Classifier:   opts.Classifier,
		Transcriber:  transcriber,
		Generator:    dialogue.NewOrchestrator(llm, tools, dialogue.OptionsFrom(cfg)),
		Speaker:      streamer,
		Context:      s.history,
		Metrics:      m.metrics,
		OnTransition: opts.OnTransition,
		OnTurn:       onTurn,
	})

	// subscribe before the machine starts so no early frame is missed
	in := s.bus.Subscribe(audio.Inbound)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// the session is visible to Get and Teardown only once fully built
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		s.bus.Close()
		return nil, ErrClosed
	}
	if _, dup := m.sessions[id]; dup {
		m.mu.Unlock()
		cancel()
		s.bus.Close()
		return nil, fmt.Errorf("session: id %s already in use", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionOpened()
	logging.Infow("session: created", "session.id", id, "stt", cfg.STT.Provider, "llm", cfg.LLM.Provider, "tts", cfg.TTS.Provider)

	go func() {
		err := s.machine.Run(runCtx, in)
		s.runErr = err
		close(s.runDone)
		m.finish(s, ReasonFor(err), err)
	}()
	return s, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Teardown ends the session and waits for its resources to be released.
// It is safe to call repeatedly and concurrently with a session ending on
// its own; the release happens once.
func (m *Manager) Teardown(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.finish(s, reason, nil)
	return nil
}

func (m *Manager) finish(s *Session, reason string, err error) {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.runDone
		s.bus.Close()
		if s.runErr != nil {
			// the machine ended on its own before the external request
			err, reason = s.runErr, ReasonFor(s.runErr)
		}

		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		s.reason = reason
		s.err = err
		m.metrics.SessionClosed(reason)
		if m.recorder != nil {
			m.recorder.Forget(s.ID)
		}
		fields := []interface{}{
			"session.id", s.ID,
			"reason", reason,
			"turns", s.history.Len(),
			"duration_ms", time.Since(s.CreatedAt).Milliseconds(),
			"inbound_dropped", s.bus.Dropped(audio.Inbound),
			"outbound_dropped", s.bus.Dropped(audio.Outbound),
		}
		if err != nil && !errors.Is(err, turn.ErrCallEnded) {
			logging.Warnw("session: closed", append(fields, "err", err)...)
		} else {
			logging.Infow("session: closed", fields...)
		}
		close(s.done)
		if m.onClosed != nil {
			m.onClosed(s)
		}
	})
}

// Shutdown tears down every session and refuses new ones. It returns
// ctx.Err() if teardown does not finish in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			m.finish(s, ReasonShutdown, nil)
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
