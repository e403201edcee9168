package audio

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/duplex-voice-agent/internal/logging"
)

var (
	ErrOutOfOrder = errors.New("audio: frame sequence not increasing")
	ErrBusClosed  = errors.New("audio: bus closed")
)

// Bus fans frames out to independent subscribers. Each subscriber has its
// own bounded queue; when a slow subscriber falls behind, its oldest frame
// is dropped. Publish never blocks.
type Bus struct {
	depth int

	mu      sync.Mutex
	subs    map[Direction][]*Subscription
	lastSeq map[Direction]uint64
	started map[Direction]bool
	closed  bool

	dropped    [2]atomic.Uint64
	onOverflow func(Direction)
	warnLimit  *rate.Limiter
	logFields  []interface{}
}

type BusOption func(*Bus)

// WithOverflowHook registers fn to run on every dropped frame.
func WithOverflowHook(fn func(Direction)) BusOption {
	return func(b *Bus) { b.onOverflow = fn }
}

// WithLogFields attaches fields to the bus's overflow warnings.
func WithLogFields(kv ...interface{}) BusOption {
	return func(b *Bus) { b.logFields = kv }
}

func NewBus(depth int, opts ...BusOption) *Bus {
	if depth <= 0 {
		depth = 1
	}
	b := &Bus{
		depth:     depth,
		subs:      make(map[Direction][]*Subscription),
		lastSeq:   make(map[Direction]uint64),
		started:   make(map[Direction]bool),
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish delivers f to every current subscriber of f.Direction.
func (b *Bus) Publish(f Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started[f.Direction] && f.Seq <= b.lastSeq[f.Direction] {
		last := b.lastSeq[f.Direction]
		b.mu.Unlock()
		return fmt.Errorf("%w: %s seq %d after %d", ErrOutOfOrder, f.Direction, f.Seq, last)
	}
	b.started[f.Direction] = true
	b.lastSeq[f.Direction] = f.Seq
	// delivery stays under mu so concurrent publishers cannot interleave
	for _, s := range b.subs[f.Direction] {
		if s.push(f) {
			b.overflow(f.Direction, s)
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) overflow(dir Direction, s *Subscription) {
	b.dropped[dir&1].Add(1)
	if b.onOverflow != nil {
		b.onOverflow(dir)
	}
	if b.warnLimit.Allow() {
		kv := append([]interface{}{"direction", dir.String(), "subscriber_dropped", s.Dropped(), "bus_dropped", b.Dropped(dir)}, b.logFields...)
		logging.Warnw("audio bus: subscriber overflow, dropping oldest frame", kv...)
	}
}

// Subscribe returns a cursor that sees every frame published after the call.
func (b *Bus) Subscribe(dir Direction) *Subscription {
	s := &Subscription{bus: b, dir: dir, depth: b.depth, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[dir] = append(b.subs[dir], s)
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.dir]
	for i, c := range list {
		if c == s {
			b.subs[s.dir] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// LastSeq returns the last accepted sequence number for dir.
func (b *Bus) LastSeq(dir Direction) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq[dir]
}

// Dropped is the total number of frames dropped across subscribers of dir.
func (b *Bus) Dropped(dir Direction) uint64 { return b.dropped[dir&1].Load() }

// Close ends every subscription once its queue drains. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[Direction][]*Subscription)
	b.mu.Unlock()
	for _, s := range all {
		s.end()
	}
}

// Subscription is one consumer's view of a direction.
type Subscription struct {
	bus   *Bus
	dir   Direction
	depth int

	mu      sync.Mutex
	queue   []Frame
	closed  bool
	dropped uint64
	notify  chan struct{}
}

// push enqueues f and reports whether the oldest frame was dropped.
func (s *Subscription) push(f Frame) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) >= s.depth {
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	s.wake()
	return dropped
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// Next blocks until a frame is available, the subscription ends, or ctx is
// done. Queued frames are still delivered after Close.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = Frame{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Frame{}, ErrBusClosed
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Frames iterates until the subscription ends or ctx is done.
func (s *Subscription) Frames(ctx context.Context) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for {
			f, err := s.Next(ctx)
			if err != nil || !yield(f) {
				return
			}
		}
	}
}

// Dropped counts frames this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.end()
}
