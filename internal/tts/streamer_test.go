package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrameBytes = 64

// toneProvider returns frames*testFrameBytes of a constant sample per text.
type toneProvider struct {
	mu     sync.Mutex
	frames map[string]int
	texts  []string
	eof    chan struct{}
	err    error
	block  bool
}

func (p *toneProvider) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	n := p.frames[text]
	if n == 0 {
		n = 1
	}
	pcm := make([]byte, n*testFrameBytes)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 1000)
	}
	return &signalReader{r: bytes.NewReader(pcm), eof: p.eof}, nil
}

func (p *toneProvider) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

type signalReader struct {
	r    *bytes.Reader
	eof  chan struct{}
	once sync.Once
}

func (s *signalReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if err == io.EOF && s.eof != nil {
		s.once.Do(func() { close(s.eof) })
	}
	return n, err
}

func (s *signalReader) Close() error { return nil }

type sink struct {
	mu     sync.Mutex
	frames [][]byte
	hook   func(seq uint64)
}

func (s *sink) publish(pcm []byte) (uint64, error) {
	s.mu.Lock()
	s.frames = append(s.frames, pcm)
	seq := uint64(len(s.frames))
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(seq)
	}
	return seq, nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitDone(t *testing.T, pb *Playback) {
	t.Helper()
	select {
	case <-pb.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("playback did not finish")
	}
}

func opts() Options {
	return Options{FrameBytes: testFrameBytes, Pace: -1, FadeFrames: 2}
}

func TestSpeakPlaysAllSentences(t *testing.T) {
	p := &toneProvider{frames: map[string]int{"Hello there.": 3, "How are you?": 2}}
	out := &sink{}
	s := NewStreamer(p, out.publish, opts())

	pb := s.Speak(t.Context(), FeedOf("Hello there. How are you?"))
	waitDone(t, pb)

	require.NoError(t, pb.Err())
	assert.Equal(t, []string{"Hello there.", "How are you?"}, p.seen())
	assert.Equal(t, 5, out.count())
	assert.Equal(t, 5, pb.Emitted())
	assert.Equal(t, uint64(5), pb.LastSeq())
	assert.Equal(t, "Hello there. How are you?", pb.Heard())
	assert.False(t, pb.Interrupted())
	assert.False(t, pb.FirstAudio().IsZero())
}

func TestSpeakStreamsFeedIncrementally(t *testing.T) {
	p := &toneProvider{}
	out := &sink{}
	s := NewStreamer(p, out.publish, opts())

	feed := NewTextFeed()
	pb := s.Speak(t.Context(), feed)
	feed.Push("Hello")
	feed.Push(" world. Next")
	require.Eventually(t, func() bool { return len(p.seen()) == 1 }, time.Second, 5*time.Millisecond)
	feed.Push(" one")
	feed.Close()
	waitDone(t, pb)

	assert.Equal(t, []string{"Hello world.", "Next one"}, p.seen())
	assert.Equal(t, "Hello world. Next one", pb.Text())
}

func TestCancelEmitsFadeTailThenStops(t *testing.T) {
	text := "one two three four five six seven eight nine ten."
	eof := make(chan struct{})
	p := &toneProvider{frames: map[string]int{text: 20}, eof: eof}
	out := &sink{}
	s := NewStreamer(p, out.publish, opts())

	feed := NewTextFeed()
	pb := s.Speak(t.Context(), feed)
	out.mu.Lock()
	out.hook = func(seq uint64) {
		if seq == 1 {
			<-eof
		}
		if seq == 5 {
			pb.Cancel()
		}
	}
	out.mu.Unlock()
	feed.Push(text)
	feed.Close()
	waitDone(t, pb)

	require.NoError(t, pb.Err())
	assert.True(t, pb.Interrupted())
	assert.Equal(t, 7, out.count(), "five frames plus two fade frames")
	assert.Equal(t, uint64(7), pb.LastSeq())
	assert.Equal(t, "one two", pb.Heard())

	out.mu.Lock()
	last := out.frames[6]
	out.mu.Unlock()
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(last[len(last)-2:]))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 7, out.count(), "nothing after the acknowledgement")
}

func TestCancelBeforeAudio(t *testing.T) {
	p := &toneProvider{block: true}
	out := &sink{}
	s := NewStreamer(p, out.publish, opts())

	pb := s.Speak(t.Context(), FeedOf("Never spoken."))
	require.Eventually(t, func() bool { return len(p.seen()) == 1 }, time.Second, 5*time.Millisecond)
	pb.Cancel()
	waitDone(t, pb)

	assert.NoError(t, pb.Err())
	assert.Equal(t, 2, out.count(), "fade tail is silence")
	assert.Empty(t, pb.Heard())
}

func TestSynthesisFailure(t *testing.T) {
	p := &toneProvider{err: &SynthesisError{Provider: "fake", Status: 500, Retryable: true, Err: io.ErrUnexpectedEOF}}
	out := &sink{}
	pb := NewStreamer(p, out.publish, opts()).Speak(t.Context(), FeedOf("Hi."))
	waitDone(t, pb)

	assert.ErrorIs(t, pb.Err(), ErrSynthesisFailed)
	assert.Zero(t, out.count())
}

func TestFirstAudioTimeout(t *testing.T) {
	p := &toneProvider{block: true}
	out := &sink{}
	o := opts()
	o.FirstAudioTimeout = 30 * time.Millisecond
	pb := NewStreamer(p, out.publish, o).Speak(t.Context(), FeedOf("Hi."))
	waitDone(t, pb)

	assert.ErrorIs(t, pb.Err(), ErrSynthesisFailed)
	assert.ErrorIs(t, pb.Err(), ErrNoAudio)
	assert.Zero(t, out.count())
}

func TestPacing(t *testing.T) {
	p := &toneProvider{frames: map[string]int{"Hi.": 5}}
	out := &sink{}
	o := opts()
	o.Pace = 10 * time.Millisecond
	start := time.Now()
	pb := NewStreamer(p, out.publish, o).Speak(t.Context(), FeedOf("Hi."))
	waitDone(t, pb)

	assert.Equal(t, 5, out.count())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestParentContextStopsPlayback(t *testing.T) {
	p := &toneProvider{block: true}
	out := &sink{}
	ctx, cancel := context.WithCancel(t.Context())
	pb := NewStreamer(p, out.publish, opts()).Speak(ctx, FeedOf("Hi."))
	cancel()
	waitDone(t, pb)

	assert.ErrorIs(t, pb.Err(), context.Canceled)
	assert.Zero(t, out.count())
}

func TestParentContextCanceledWhileSentenceBuffered(t *testing.T) {
	p := &toneProvider{}
	out := &sink{}
	feed := NewTextFeed()
	feed.Push("still thinking about")
	ctx, cancel := context.WithCancel(t.Context())
	pb := NewStreamer(p, out.publish, opts()).Speak(ctx, feed)
	cancel()
	waitDone(t, pb)

	assert.ErrorIs(t, pb.Err(), context.Canceled)
	assert.Empty(t, p.seen(), "an unfinished sentence is never synthesized")
	assert.Zero(t, out.count())
}
