package turn

import (
	"errors"
	"sync"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/logging"
	"github.com/duplex-voice-agent/internal/stt"
)

// sttQueueFrames bounds the audio waiting for a recognition stream, about
// ten seconds at 20ms frames.
const sttQueueFrames = 512

// streamWriter moves one utterance's frames into its recognition stream on
// its own goroutine so a slow provider never holds up the event loop.
// Frames queue until the stream is attached; when the queue is full the
// oldest frame is dropped. CloseSend goes out after every queued frame.
type streamWriter struct {
	utteranceID string
	limit       int

	mu        sync.Mutex
	queue     []audio.Frame
	stream    stt.Stream
	closeSend bool
	stopped   bool
	dropped   int

	wake chan struct{}
	done chan struct{}
}

func newStreamWriter(utteranceID string, limit int) *streamWriter {
	if limit < 1 {
		limit = 1
	}
	w := &streamWriter{
		utteranceID: utteranceID,
		limit:       limit,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// push queues f without blocking.
func (w *streamWriter) push(f audio.Frame) {
	w.mu.Lock()
	if w.stopped || w.closeSend {
		w.mu.Unlock()
		return
	}
	if len(w.queue) >= w.limit {
		w.queue[0] = audio.Frame{}
		w.queue = w.queue[1:]
		w.dropped++
		if w.dropped == 1 {
			logging.Warnw("turn: stt writer falling behind; dropping oldest frames", "utterance.id", w.utteranceID, "limit", w.limit)
		}
	}
	w.queue = append(w.queue, f)
	w.mu.Unlock()
	w.signal()
}

// attach hands over the stream once Begin has returned.
func (w *streamWriter) attach(s stt.Stream) {
	w.mu.Lock()
	w.stream = s
	w.mu.Unlock()
	w.signal()
}

// finish queues CloseSend behind the pending frames.
func (w *streamWriter) finish() {
	w.mu.Lock()
	w.closeSend = true
	w.mu.Unlock()
	w.signal()
}

// stop discards whatever is queued and ends the goroutine. Idempotent.
func (w *streamWriter) stop() {
	w.mu.Lock()
	w.stopped = true
	w.queue = nil
	w.mu.Unlock()
	w.signal()
}

func (w *streamWriter) droppedFrames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *streamWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *streamWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		s := w.stream
		if s != nil && len(w.queue) > 0 {
			f := w.queue[0]
			w.queue[0] = audio.Frame{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			if err := s.Write(f); err != nil {
				logging.Debugw("turn: stt write failed", "utterance.id", w.utteranceID, "seq", f.Seq, "err", err)
				if errors.Is(err, stt.ErrStreamClosed) {
					return
				}
			}
			continue
		}
		if s != nil && w.closeSend {
			w.mu.Unlock()
			if err := s.CloseSend(); err != nil {
				logging.Debugw("turn: stt close send failed", "utterance.id", w.utteranceID, "err", err)
			}
			return
		}
		w.mu.Unlock()
		<-w.wake
	}
}
