package tts

import (
	"context"
	"sync"
)

// TextFeed carries reply text from the dialogue orchestrator to a playback.
// Push never blocks, so the producer cannot be stalled by synthesis.
type TextFeed struct {
	mu     sync.Mutex
	parts  []string
	closed bool
	notify chan struct{}
}

func NewTextFeed() *TextFeed {
	return &TextFeed{notify: make(chan struct{}, 1)}
}

// FeedOf returns a closed feed holding text.
func FeedOf(text string) *TextFeed {
	f := NewTextFeed()
	f.Push(text)
	f.Close()
	return f
}

func (f *TextFeed) Push(text string) {
	if text == "" {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.parts = append(f.parts, text)
	f.mu.Unlock()
	f.wake()
}

// Close marks the end of the reply. Idempotent.
func (f *TextFeed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wake()
}

func (f *TextFeed) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// next returns the next piece of text; ok is false once the feed is closed
// and drained, or when ctx or stop fire.
func (f *TextFeed) next(ctx context.Context, stop <-chan struct{}) (string, bool) {
	for {
		f.mu.Lock()
		if len(f.parts) > 0 {
			s := f.parts[0]
			f.parts = f.parts[1:]
			f.mu.Unlock()
			return s, true
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-stop:
			return "", false
		case <-f.notify:
		}
	}
}
