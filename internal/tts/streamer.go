package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/logging"
)

// PublishFunc hands one outbound frame to the transport path and returns the
// sequence number it was assigned.
type PublishFunc func(pcm []byte) (uint64, error)

type Options struct {
	FrameBytes    int
	FrameDuration time.Duration
	// Pace is the interval between frames. Zero means FrameDuration; a
	// negative value disables pacing.
	Pace       time.Duration
	FadeFrames int
	// FirstAudioTimeout bounds the wait for the first bytes of each sentence.
	FirstAudioTimeout time.Duration
	// Buffer is how many synthesized frames may wait for the player.
	Buffer int
}

// Streamer synthesizes reply text sentence by sentence and plays the audio
// out as fixed-size frames while later sentences are still being produced.
type Streamer struct {
	provider Provider
	publish  PublishFunc
	opts     Options
}

func NewStreamer(p Provider, publish PublishFunc, opts Options) *Streamer {
	if opts.FrameBytes <= 0 {
		opts.FrameBytes = 640
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	if opts.Pace == 0 {
		opts.Pace = opts.FrameDuration
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 50
	}
	return &Streamer{provider: p, publish: publish, opts: opts}
}

type segment struct {
	text      string
	queued    int
	played    int
	synthDone bool
}

type frameItem struct {
	seg int
	pcm []byte
}

// Playback is one agent utterance in flight.
type Playback struct {
	ID string

	stop     chan struct{}
	stopOnce sync.Once
	canceled atomic.Bool
	done     chan struct{}

	mu         sync.Mutex
	err        error
	lastSeq    uint64
	emitted    int
	segments   []*segment
	started    time.Time
	firstAudio time.Time
}

// Speak starts playing the text that arrives on feed.
func (s *Streamer) Speak(ctx context.Context, feed *TextFeed) *Playback {
	pb := &Playback{
		ID:      uuid.NewString(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	go pb.run(ctx, s, feed)
	return pb
}

// Cancel asks the player to stop. It emits the fade tail and then closes
// Done; no frame follows Done.
func (pb *Playback) Cancel() {
	pb.canceled.Store(true)
	pb.stopOnce.Do(func() { close(pb.stop) })
}

// Done is closed when playback has finished or acknowledged cancellation.
func (pb *Playback) Done() <-chan struct{} { return pb.done }

func (pb *Playback) Err() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.err
}

// Interrupted reports whether Cancel was called.
func (pb *Playback) Interrupted() bool { return pb.canceled.Load() }

// LastSeq is the sequence number of the last frame published, fade included.
func (pb *Playback) LastSeq() uint64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.lastSeq
}

// Emitted counts published frames, fade included.
func (pb *Playback) Emitted() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.emitted
}

// FirstAudio is when the first frame was published, or zero.
func (pb *Playback) FirstAudio() time.Time {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.firstAudio
}

func (pb *Playback) Started() time.Time { return pb.started }

// Text is every sentence handed to synthesis so far.
func (pb *Playback) Text() string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	parts := make([]string, 0, len(pb.segments))
	for _, seg := range pb.segments {
		parts = append(parts, seg.text)
	}
	return strings.Join(parts, " ")
}

// Heard estimates how much text the caller heard: whole sentences that
// finished playing plus a word-proportional prefix of the one cut off.
func (pb *Playback) Heard() string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	var parts []string
	for _, seg := range pb.segments {
		if seg.played == 0 {
			break
		}
		if seg.synthDone && seg.played >= seg.queued {
			parts = append(parts, seg.text)
			continue
		}
		words := strings.Fields(seg.text)
		if k := len(words) * seg.played / seg.queued; k > 0 {
			parts = append(parts, strings.Join(words[:k], " "))
		}
		break
	}
	return strings.Join(parts, " ")
}

func (pb *Playback) run(ctx context.Context, s *Streamer, feed *TextFeed) {
	defer close(pb.done)
	frames := make(chan frameItem, s.opts.Buffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		return pb.synthesize(gctx, s, feed, frames)
	})
	g.Go(func() error { return pb.play(gctx, s, frames) })
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		// the stages may have wound down cleanly on the parent's cancel
		err = ctx.Err()
	}
	if err != nil && !pb.canceled.Load() {
		pb.mu.Lock()
		pb.err = err
		pb.mu.Unlock()
		logging.Warnw("tts: playback failed", "playback.id", pb.ID, "err", err)
	}
}

func (pb *Playback) synthesize(ctx context.Context, s *Streamer, feed *TextFeed, frames chan<- frameItem) error {
	var buf SentenceBuffer
	for {
		text, ok := feed.next(ctx, pb.stop)
		if !ok {
			break
		}
		for _, sentence := range buf.Add(text) {
			if err := pb.synthOne(ctx, s, sentence, frames); err != nil {
				return err
			}
		}
	}
	if pb.canceled.Load() || ctx.Err() != nil {
		return nil
	}
	if rest := buf.Flush(); rest != "" {
		return pb.synthOne(ctx, s, rest, frames)
	}
	return nil
}

func (pb *Playback) synthOne(ctx context.Context, s *Streamer, text string, frames chan<- frameItem) error {
	pb.mu.Lock()
	idx := len(pb.segments)
	pb.segments = append(pb.segments, &segment{text: text})
	pb.mu.Unlock()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-pb.stop:
			cancel()
		case <-reqCtx.Done():
		}
	}()
	var timedOut atomic.Bool
	firstAudio := func() {}
	if s.opts.FirstAudioTimeout > 0 {
		timer := time.AfterFunc(s.opts.FirstAudioTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
		firstAudio = func() { timer.Stop() }
	}
	return pb.stream(reqCtx, s, idx, text, frames, firstAudio, &timedOut)
}

func (pb *Playback) stream(ctx context.Context, s *Streamer, idx int, text string, frames chan<- frameItem, firstAudio func(), timedOut *atomic.Bool) error {
	fail := func(err error) error {
		if pb.canceled.Load() {
			return nil
		}
		if timedOut.Load() {
			return fmt.Errorf("%w: %w after %s", ErrSynthesisFailed, ErrNoAudio, s.opts.FirstAudioTimeout)
		}
		return err
	}

	body, err := s.provider.Synthesize(ctx, text)
	if err != nil {
		return fail(err)
	}
	defer body.Close()

	chunker := audio.NewChunker(s.opts.FrameBytes)
	buf := make([]byte, 4096)
	first := true
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if first {
				firstAudio()
				first = false
			}
			for _, f := range chunker.Write(buf[:n]) {
				if !pb.enqueue(ctx, frames, idx, f) {
					return fail(ctx.Err())
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fail(&SynthesisError{Provider: "stream", Retryable: true, Err: rerr})
		}
	}
	if tail := chunker.Flush(); tail != nil {
		if !pb.enqueue(ctx, frames, idx, tail) {
			return fail(ctx.Err())
		}
	}
	pb.mu.Lock()
	pb.segments[idx].synthDone = true
	pb.mu.Unlock()
	return nil
}

func (pb *Playback) enqueue(ctx context.Context, frames chan<- frameItem, idx int, pcm []byte) bool {
	pb.mu.Lock()
	pb.segments[idx].queued++
	pb.mu.Unlock()
	select {
	case frames <- frameItem{seg: idx, pcm: pcm}:
		return true
	case <-pb.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (pb *Playback) play(ctx context.Context, s *Streamer, frames <-chan frameItem) error {
	var next time.Time
	for {
		var item frameItem
		var ok bool
		select {
		case <-pb.stop:
			return pb.fade(s, frames, nil)
		case <-ctx.Done():
			return ctx.Err()
		case item, ok = <-frames:
			if !ok {
				return nil
			}
		}
		if s.opts.Pace > 0 && !next.IsZero() {
			if d := time.Until(next); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-pb.stop:
					t.Stop()
					return pb.fade(s, frames, &item)
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		}
		// cancellation is observed before every frame
		if pb.canceled.Load() {
			return pb.fade(s, frames, &item)
		}
		seq, err := s.publish(item.pcm)
		if err != nil {
			return fmt.Errorf("publish outbound frame: %w", err)
		}
		pb.mu.Lock()
		pb.lastSeq = seq
		pb.emitted++
		pb.segments[item.seg].played++
		if pb.firstAudio.IsZero() {
			pb.firstAudio = time.Now()
		}
		pb.mu.Unlock()
		if s.opts.Pace > 0 {
			if next.IsZero() {
				next = time.Now()
			}
			next = next.Add(s.opts.Pace)
		}
	}
}

// fade emits FadeFrames frames ramping the pending audio down to silence so
// the cut is not an audible click.
func (pb *Playback) fade(s *Streamer, frames <-chan frameItem, pending *frameItem) error {
	n := s.opts.FadeFrames
	for k := 0; k < n; k++ {
		var src []byte
		if pending != nil {
			src = pending.pcm
			pending = nil
		} else {
			select {
			case it, ok := <-frames:
				if ok {
					src = it.pcm
				}
			default:
			}
		}
		pcm := audio.Silence(s.opts.FrameBytes)
		if src != nil {
			from := 1 - float64(k)/float64(n)
			to := 1 - float64(k+1)/float64(n)
			pcm = audio.Ramp(src, from, to)
		}
		seq, err := s.publish(pcm)
		if err != nil {
			return fmt.Errorf("publish fade frame: %w", err)
		}
		pb.mu.Lock()
		pb.lastSeq = seq
		pb.emitted++
		pb.mu.Unlock()
	}
	return nil
}
