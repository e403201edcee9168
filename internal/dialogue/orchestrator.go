package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duplex-voice-agent/internal/logging"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
	ErrTimeout   = errors.New("dialogue: generation timed out")
	ErrCanceled  = errors.New("dialogue: generation canceled")
)

// EndCallTool is handled locally: the reply is spoken, then the session ends.
const EndCallTool = "end_call"

// Request is one model call.
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Completion is what a provider produced for one call besides the streamed
// text.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Model     string
}

// Provider streams one completion, calling emit for every text increment in
// order. A non-nil error from emit aborts the call.
type Provider interface {
	Stream(ctx context.Context, req Request, emit func(text string) error) (Completion, error)
}

// ToolCaller runs tools on behalf of the model.
type ToolCaller interface {
	Tools(ctx context.Context) ([]ToolSpec, error)
	Call(ctx context.Context, name, arguments string) (string, error)
}

type Options struct {
	SystemPrompt      string
	FirstTokenTimeout time.Duration
	Timeout           time.Duration
	MaxToolRounds     int
	MaxTokens         int
	Temperature       float64
}

// Orchestrator turns the dialogue context plus a fresh transcript into a
// streamed reply.
type Orchestrator struct {
	provider Provider
	tools    ToolCaller
	opts     Options
}

// NewOrchestrator returns an orchestrator. tools may be nil.
func NewOrchestrator(p Provider, tools ToolCaller, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.FirstTokenTimeout <= 0 || opts.FirstTokenTimeout > opts.Timeout {
		opts.FirstTokenTimeout = opts.Timeout
	}
	return &Orchestrator{provider: p, tools: tools, opts: opts}
}

// Delta is one increment of reply text. The final Delta has Done set.
type Delta struct {
	Text string
	Done bool
}

// Response is an in-flight generation.
type Response struct {
	ID string

	deltas   chan Delta
	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}

	mu      sync.Mutex
	err     error
	text    strings.Builder
	tools   []ToolExchange
	endCall bool
}

// Deltas yields text increments, then a Done marker on success, then closes.
// It closes without a Done marker on failure or cancellation.
func (r *Response) Deltas() <-chan Delta { return r.deltas }

// Cancel stops the generation. No deltas are delivered afterwards.
func (r *Response) Cancel() {
	r.canceled.Store(true)
	r.cancel()
}

// Done is closed once the generation has fully stopped.
func (r *Response) Done() <-chan struct{} { return r.done }

func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Text is everything emitted so far.
func (r *Response) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

func (r *Response) Tools() []ToolExchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ToolExchange(nil), r.tools...)
}

// EndCall reports whether the model asked to hang up.
func (r *Response) EndCall() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endCall
}

func (r *Response) send(ctx context.Context, d Delta) error {
	if r.canceled.Load() {
		return ErrCanceled
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.deltas <- d:
		return nil
	}
}

var endCallSpec = ToolSpec{
	Name:        EndCallTool,
	Description: "End the phone call after saying goodbye. Call this once the caller has nothing else to ask.",
	Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
}

// Generate starts producing a reply to transcript given the committed
// history. The full history is always sent.
func (o *Orchestrator) Generate(ctx context.Context, history []Turn, transcript string) *Response {
	gctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	r := &Response{
		ID:     uuid.NewString(),
		deltas: make(chan Delta, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.run(gctx, r, history, transcript)
	return r
}

func (o *Orchestrator) run(ctx context.Context, r *Response, history []Turn, transcript string) {
	defer close(r.done)
	defer close(r.deltas)
	defer r.cancel()

	var firstSeen, firstExpired atomic.Bool
	firstTimer := time.AfterFunc(o.opts.FirstTokenTimeout, func() {
		if !firstSeen.Load() {
			firstExpired.Store(true)
			r.cancel()
		}
	})
	defer firstTimer.Stop()

	err := o.generate(ctx, r, history, transcript, &firstSeen)
	if err == nil {
		err = r.send(ctx, Delta{Done: true})
	}
	if err != nil {
		switch {
		case r.canceled.Load():
			err = ErrCanceled
		case firstExpired.Load():
			err = fmt.Errorf("%w: no output within %s", ErrTimeout, o.opts.FirstTokenTimeout)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: exceeded %s", ErrTimeout, o.opts.Timeout)
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if !errors.Is(err, ErrCanceled) {
			logging.Warnw("dialogue: generation failed", "response.id", r.ID, "err", err)
		}
	}
}

func (o *Orchestrator) generate(ctx context.Context, r *Response, history []Turn, transcript string, firstSeen *atomic.Bool) error {
	specs := []ToolSpec{endCallSpec}
	if o.tools != nil {
		remote, err := o.tools.Tools(ctx)
		if err != nil {
			logging.Warnw("dialogue: listing tools failed; continuing without them", "err", err)
		}
		specs = append(specs, remote...)
	}

	msgs := Render(o.opts.SystemPrompt, history, transcript)
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		firstSeen.Store(true)
		r.mu.Lock()
		r.text.WriteString(text)
		r.mu.Unlock()
		return r.send(ctx, Delta{Text: text})
	}

	for round := 0; ; round++ {
		req := Request{Messages: msgs, MaxTokens: o.opts.MaxTokens, Temperature: o.opts.Temperature}
		if round < o.opts.MaxToolRounds {
			req.Tools = specs
		}
		comp, err := o.provider.Stream(ctx, req, emit)
		if err != nil {
			return err
		}
		if len(comp.ToolCalls) == 0 || round >= o.opts.MaxToolRounds {
			return nil
		}
		// a tool round counts as model activity for the first-token deadline
		firstSeen.Store(true)
		msgs = append(msgs, Message{Role: RoleAssistant, Content: comp.Text, ToolCalls: comp.ToolCalls})
		for _, call := range comp.ToolCalls {
			result := o.callTool(ctx, r, call)
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: call.ID, Content: result})
		}
	}
}

func (o *Orchestrator) callTool(ctx context.Context, r *Response, call ToolCall) string {
	var result string
	switch {
	case call.Name == EndCallTool:
		r.mu.Lock()
		r.endCall = true
		r.mu.Unlock()
		result = "The call will end after your reply is spoken."
	case o.tools == nil:
		result = "error: no tools available"
	default:
		out, err := o.tools.Call(ctx, call.Name, call.Arguments)
		if err != nil {
			logging.Warnw("dialogue: tool call failed", "tool", call.Name, "err", err, "response.id", r.ID)
			result = "error: " + err.Error()
		} else {
			result = out
		}
	}
	logging.Infow("dialogue: tool called", "tool", call.Name, "response.id", r.ID)
	r.mu.Lock()
	r.tools = append(r.tools, ToolExchange{CallID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: result})
	r.mu.Unlock()
	return result
}
