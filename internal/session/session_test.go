package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/config"
	"github.com/duplex-voice-agent/internal/dialogue"
	"github.com/duplex-voice-agent/internal/metrics"
	"github.com/duplex-voice-agent/internal/recording"
	"github.com/duplex-voice-agent/internal/stt"
	"github.com/duplex-voice-agent/internal/turn"
)

type echoSTT struct{ text string }

func (e echoSTT) Begin(_ context.Context, u stt.Utterance) (stt.Stream, error) {
	return &echoStream{u: u, text: e.text, results: make(chan stt.Transcript, 1)}, nil
}

type echoStream struct {
	u       stt.Utterance
	text    string
	results chan stt.Transcript
	once    sync.Once
}

func (s *echoStream) Write(audio.Frame) error { return nil }

func (s *echoStream) CloseSend() error {
	s.once.Do(func() {
		s.results <- stt.Transcript{UtteranceID: s.u.ID, Text: s.text, Final: true, At: time.Now()}
		close(s.results)
	})
	return nil
}

func (s *echoStream) Results() <-chan stt.Transcript { return s.results }
func (s *echoStream) Err() error                     { return nil }
func (s *echoStream) Cancel()                        { s.once.Do(func() { close(s.results) }) }

type replyLLM struct{ text string }

func (r replyLLM) Stream(_ context.Context, _ dialogue.Request, emit func(string) error) (dialogue.Completion, error) {
	if err := emit(r.text); err != nil {
		return dialogue.Completion{}, err
	}
	return dialogue.Completion{Text: r.text}, nil
}

type toneTTS struct{ frames int }

func (t toneTTS) Synthesize(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(tone(t.frames*640, 3000))), nil
}

func tone(n int, amp int16) []byte {
	b := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(amp))
	}
	return b
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.VAD.StartFrames = 2
	cfg.VAD.EndFrames = 3
	cfg.VAD.BargeInStartFrames = 2
	cfg.Turn.IdleTimeout = time.Minute
	cfg.Turn.TransportGapTimeout = time.Minute
	return cfg
}

func testOptions(cfg config.Config) Options {
	return Options{
		Config:      cfg,
		Transcriber: echoSTT{text: "hello"},
		LLM:         replyLLM{text: "Hi there."},
		Synthesizer: toneTTS{frames: 3},
	}
}

func sayHello(t *testing.T, s *Session) {
	t.Helper()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.PushInbound(tone(640, 8000)))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.PushInbound(make([]byte, 640)))
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	m := NewManager()
	cfg := testConfig()
	cfg.Turn.TruncationPolicy = "keep"
	_, err := m.Create(t.Context(), testOptions(cfg))
	var fe *config.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "turn.truncation_policy", fe.Field)
	assert.Equal(t, 0, m.Len())
}

func TestHelloRoundTripAndTeardown(t *testing.T) {
	met := metrics.New("test")
	var closed atomic.Int32
	m := NewManager(WithMetrics(met), WithOnClosed(func(*Session) { closed.Add(1) }))

	s, err := m.Create(t.Context(), testOptions(testConfig()))
	require.NoError(t, err)
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SessionsActive))

	out := s.Outbound()
	sayHello(t, s)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
		f, err := out.Next(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Equal(t, audio.Outbound, f.Direction)
	}
	require.Eventually(t, func() bool { return s.State() == turn.Idle && len(s.History()) == 1 }, 3*time.Second, 10*time.Millisecond)
	h := s.History()[0]
	assert.Equal(t, "hello", h.Caller)
	assert.Equal(t, "Hi there.", h.Agent)
	assert.False(t, s.LastActivity().Before(s.CreatedAt))

	require.NoError(t, m.Teardown(s.ID, ReasonHangup))
	assert.Equal(t, ReasonHangup, s.Reason())
	assert.NoError(t, s.Err())
	assert.Equal(t, turn.Closed, s.State())
	assert.ErrorIs(t, m.Teardown(s.ID, ReasonHangup), ErrNotFound)
	assert.ErrorIs(t, s.PushInbound(make([]byte, 640)), ErrClosed)
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(met.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SessionsClosed.WithLabelValues(ReasonHangup)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.TurnsTotal.WithLabelValues("conversation")))
}

func TestIdleTimeoutTearsDownOnce(t *testing.T) {
	var closed atomic.Int32
	m := NewManager(WithOnClosed(func(*Session) { closed.Add(1) }))
	cfg := testConfig()
	cfg.Turn.IdleTimeout = 50 * time.Millisecond

	s, err := m.Create(t.Context(), testOptions(cfg))
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session not torn down")
	}
	assert.Equal(t, ReasonIdleTimeout, s.Reason())
	assert.ErrorIs(t, s.Err(), turn.ErrIdleTimeout)
	assert.Equal(t, 0, m.Len())

	// a late external teardown finds nothing to do
	assert.ErrorIs(t, m.Teardown(s.ID, ReasonHangup), ErrNotFound)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), closed.Load())
}

func TestTransportGapEndsSession(t *testing.T) {
	m := NewManager()
	cfg := testConfig()
	cfg.Turn.TransportGapTimeout = 50 * time.Millisecond

	s, err := m.Create(t.Context(), testOptions(cfg))
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session not torn down")
	}
	assert.Equal(t, ReasonTransportLost, s.Reason())
	assert.ErrorIs(t, s.Err(), turn.ErrTransportLost)
}

func TestConcurrentTeardownReleasesOnce(t *testing.T) {
	var closed atomic.Int32
	m := NewManager(WithOnClosed(func(*Session) { closed.Add(1) }))
	s, err := m.Create(t.Context(), testOptions(testConfig()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Teardown(s.ID, ReasonHangup)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Shutdown(t.Context())
	}()
	wg.Wait()

	<-s.Done()
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 0, m.Len())
}

func TestSessionUsableAsSoonAsVisible(t *testing.T) {
	m := NewManager()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("call-%d", i)
		found := make(chan error, 1)
		go func() {
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				s, err := m.Get(id)
				if err != nil {
					continue
				}
				if err := s.PushInbound(make([]byte, 640)); err != nil && !errors.Is(err, ErrClosed) {
					found <- err
					return
				}
				found <- m.Teardown(id, ReasonHangup)
				return
			}
			found <- ErrNotFound
		}()

		opts := testOptions(testConfig())
		opts.ID = id
		s, err := m.Create(t.Context(), opts)
		require.NoError(t, err)
		require.NoError(t, <-found)
		<-s.Done()
		assert.Equal(t, ReasonHangup, s.Reason())
	}
	assert.Equal(t, 0, m.Len())
}

func TestDuplicateIDReleasesLoser(t *testing.T) {
	m := NewManager()
	opts := testOptions(testConfig())
	opts.ID = "call-1"
	first, err := m.Create(t.Context(), opts)
	require.NoError(t, err)
	_, err = m.Create(t.Context(), opts)
	require.Error(t, err)

	got, err := m.Get("call-1")
	require.NoError(t, err)
	assert.Same(t, first, got, "the live session is untouched")
	require.NoError(t, m.Shutdown(t.Context()))
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	m := NewManager()
	a, err := m.Create(t.Context(), testOptions(testConfig()))
	require.NoError(t, err)
	b, err := m.Create(t.Context(), testOptions(testConfig()))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Shutdown(t.Context()))
	assert.Equal(t, ReasonShutdown, a.Reason())
	assert.Equal(t, ReasonShutdown, b.Reason())

	_, err = m.Create(t.Context(), testOptions(testConfig()))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDuplicateIDRejected(t *testing.T) {
	m := NewManager()
	opts := testOptions(testConfig())
	opts.ID = "call-1"
	_, err := m.Create(t.Context(), opts)
	require.NoError(t, err)
	_, err = m.Create(t.Context(), opts)
	assert.Error(t, err)
	require.NoError(t, m.Shutdown(t.Context()))
}

func TestParentContextCancelEndsSession(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(t.Context())
	s, err := m.Create(ctx, testOptions(testConfig()))
	require.NoError(t, err)
	cancel()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session not torn down")
	}
	assert.Equal(t, ReasonHangup, s.Reason())
	assert.NoError(t, s.Err())
}

func TestRecorderReceivesTurns(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(WithRecorder(recording.New(dir, 16000)))
	s, err := m.Create(t.Context(), testOptions(testConfig()))
	require.NoError(t, err)
	sayHello(t, s)
	// sidecar and caller audio
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Teardown(s.ID, ReasonHangup))
}

func TestReasonFor(t *testing.T) {
	cases := map[string]error{
		ReasonHangup:        nil,
		ReasonCallEnded:     turn.ErrCallEnded,
		ReasonIdleTimeout:   turn.ErrIdleTimeout,
		ReasonTransportLost: turn.ErrTransportLost,
		ReasonRetryBudget:   turn.ErrRetryBudget,
		ReasonError:         errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, ReasonFor(err))
	}
}
