package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/config"
	"github.com/duplex-voice-agent/internal/dialogue"
	"github.com/duplex-voice-agent/internal/logging"
	"github.com/duplex-voice-agent/internal/metrics"
	"github.com/duplex-voice-agent/internal/stt"
	"github.com/duplex-voice-agent/internal/tts"
	"github.com/duplex-voice-agent/internal/vad"
)

// Generator produces a streamed reply. *dialogue.Orchestrator implements it.
type Generator interface {
	Generate(ctx context.Context, history []dialogue.Turn, transcript string) *dialogue.Response
}

// Speaker plays reply text. *tts.Streamer implements it.
type Speaker interface {
	Speak(ctx context.Context, feed *tts.TextFeed) *tts.Playback
}

// TurnHook observes every committed turn together with the caller audio
// behind it; callerPCM is nil for agent-only turns.
type TurnHook func(t dialogue.Turn, callerPCM []byte)

type Options struct {
	SessionID   string
	Turn        config.TurnConfig
	VAD         config.VADConfig
	Classifier  vad.Classifier
	Transcriber stt.Transcriber
	Generator   Generator
	Speaker     Speaker
	Context     *dialogue.Context
	Metrics     *metrics.Metrics

	OnTransition func(Transition)
	OnTurn       TurnHook
}

// stopWait caps how long the loop waits for a cancelled playback to
// acknowledge. It only matters for a provider that ignores cancellation.
const stopWait = 2 * time.Second

// Machine is the per-session turn-taking coordinator. Run owns all of its
// state on a single goroutine; everything else talks to it through events.
type Machine struct {
	opts   Options
	events chan event

	mu    sync.RWMutex
	state State

	ctx        context.Context
	gate       *vad.Gate
	barge      *BargeIn
	preroll    []audio.Frame
	prerollCap int
	lastSeq    uint64

	gen      uint64
	utt      *utterance
	draining *utterance
	reply    *reply
	pending  string
	failures int

	transitions uint64
	idleTimer   *time.Timer
}

func New(opts Options) *Machine {
	if opts.Classifier == nil {
		opts.Classifier = vad.EnergyClassifier{Threshold: opts.VAD.Threshold}
	}
	if opts.Context == nil {
		opts.Context = dialogue.NewContext()
	}
	return &Machine{
		opts:       opts,
		events:     make(chan event, 256),
		gate:       vad.NewGate(opts.VAD.StartFrames, opts.VAD.EndFrames),
		barge:      NewBargeIn(opts.VAD.BargeInStartFrames),
		prerollCap: max(opts.VAD.StartFrames, opts.VAD.BargeInStartFrames) + 10,
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Context() *dialogue.Context { return m.opts.Context }

type event any

type frameEvent struct {
	frame  audio.Frame
	speech bool
}

type transportLost struct{ reason string }

type sttReady struct {
	gen    uint64
	stream stt.Stream
	err    error
}

type sttResult struct {
	gen uint64
	tr  stt.Transcript
}

type sttClosed struct {
	gen uint64
	err error
}

type sttDeadline struct{ gen uint64 }

type utteranceLimit struct{ gen uint64 }

type replyDelta struct {
	gen   uint64
	delta dialogue.Delta
}

type replyEnded struct {
	gen uint64
	err error
}

type playbackDone struct{ gen uint64 }

type idleExpired struct{ token uint64 }

type utterance struct {
	gen     uint64
	info    stt.Utterance
	stream  stt.Stream
	writer  *streamWriter
	pcm     []byte
	partial string
	closed  bool
	forced  bool
	final   bool
	endedAt time.Time

	limit    *time.Timer
	deadline *time.Timer
}

func (u *utterance) add(f audio.Frame) {
	u.pcm = append(u.pcm, f.PCM...)
	u.writer.push(f)
}

// stop ends the utterance's timers and its writer.
func (u *utterance) stop() {
	u.writer.stop()
	if u.limit != nil {
		u.limit.Stop()
	}
	if u.deadline != nil {
		u.deadline.Stop()
	}
}

func (u *utterance) abandon() {
	u.final = true
	u.stop()
	if u.stream != nil {
		u.stream.Cancel()
	}
}

// reply is the agent utterance in flight.
type reply struct {
	gen        uint64
	id         string
	system     bool
	transcript string
	callerPCM  []byte
	startedAt  time.Time
	endedAt    time.Time
	thinkingAt time.Time

	resp      *dialogue.Response
	feed      *tts.TextFeed
	pb        *tts.Playback
	complete  bool
	committed bool
	llmErr    error
}

// Run drives the session until ctx is canceled (returns nil) or a
// session-fatal condition occurs (returns one of the Err* values).
func (m *Machine) Run(ctx context.Context, in *audio.Subscription) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.ctx = logging.WithFields(ctx, logging.SessionFields(m.opts.SessionID)...)
	go m.ingest(m.ctx, in)

	if g := strings.TrimSpace(m.opts.Turn.Greeting); g != "" {
		m.speakSystem(g, "greeting")
	} else {
		m.armIdle()
	}
	for {
		select {
		case <-ctx.Done():
			m.shutdown("context done")
			return nil
		case ev := <-m.events:
			if err := m.handle(ev); err != nil {
				m.shutdown(err.Error())
				return err
			}
		}
	}
}

func (m *Machine) send(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// ingest reads inbound frames, classifies each once and hands them to the
// loop. Classification stays off the loop so a model-based classifier
// cannot stall it.
func (m *Machine) ingest(ctx context.Context, in *audio.Subscription) {
	gap := m.opts.Turn.TransportGapTimeout
	for {
		fctx, cancel := ctx, context.CancelFunc(func() {})
		if gap > 0 {
			fctx, cancel = context.WithTimeout(ctx, gap)
		}
		f, err := in.Next(fctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := "inbound audio closed"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = fmt.Sprintf("no inbound audio for %s", gap)
			}
			m.send(transportLost{reason: reason})
			return
		}
		m.send(frameEvent{frame: f, speech: m.opts.Classifier.IsSpeech(f.PCM)})
	}
}

func (m *Machine) handle(ev event) error {
	switch ev := ev.(type) {
	case frameEvent:
		return m.onFrame(ev)
	case transportLost:
		return fmt.Errorf("%w: %s", ErrTransportLost, ev.reason)
	case sttReady:
		return m.onSTTReady(ev)
	case sttResult:
		return m.onTranscript(ev)
	case sttClosed:
		return m.onSTTClosed(ev)
	case sttDeadline:
		return m.onSTTDeadline(ev)
	case utteranceLimit:
		m.onUtteranceLimit(ev)
	case replyDelta:
		return m.onDelta(ev)
	case replyEnded:
		return m.onReplyEnded(ev)
	case playbackDone:
		return m.onPlaybackDone(ev)
	case idleExpired:
		if m.state == Idle && ev.token == m.transitions {
			return fmt.Errorf("%w after %s", ErrIdleTimeout, m.opts.Turn.IdleTimeout)
		}
	}
	return nil
}

func (m *Machine) onFrame(ev frameEvent) error {
	f := ev.frame
	m.lastSeq = f.Seq
	m.preroll = append(m.preroll, f)
	if len(m.preroll) > m.prerollCap {
		copy(m.preroll, m.preroll[1:])
		m.preroll = m.preroll[:m.prerollCap]
	}
	if u := m.utt; u != nil && !u.closed {
		u.add(f)
	}

	if m.state == Speaking {
		if start, ok := m.barge.Observe(f.Seq, ev.speech); ok {
			m.gate.Begin(start, f.Timestamp)
			return m.interrupt(start, f.Timestamp, "barge-in")
		}
	}
	e, ok := m.gate.Observe(f.Seq, f.Timestamp, ev.speech)
	if !ok {
		return nil
	}
	switch e.Kind {
	case vad.UtteranceStarted:
		return m.onSpeechStarted(e)
	case vad.UtteranceEnded:
		m.onSpeechEnded(e)
	}
	return nil
}

func (m *Machine) onSpeechStarted(e vad.Event) error {
	switch m.state {
	case Idle:
		m.openUtterance(e.Seq, e.At, "caller speech")
	case Thinking:
		// the caller kept talking; their words fold into the next utterance
		if r := m.reply; r != nil {
			r.resp.Cancel()
			m.pending = joinText(m.pending, r.transcript)
			m.reply = nil
		}
		m.openUtterance(e.Seq, e.At, "caller resumed")
	case Speaking:
		return m.interrupt(e.Seq, e.At, "caller speech")
	case ListeningToCaller:
		if m.utt != nil && !m.utt.closed {
			logging.WarnwCtx(m.ctx, "turn: overlapping utterance start discarded", "seq", e.Seq)
			return nil
		}
		// the previous utterance is closed and waiting for its transcript
		if m.draining != nil {
			m.draining.abandon()
		}
		m.draining = m.utt
		m.utt = nil
		m.openUtterance(e.Seq, e.At, "caller speech")
	}
	return nil
}

func (m *Machine) onSpeechEnded(e vad.Event) {
	u := m.utt
	if u == nil || u.closed {
		logging.WarnwCtx(m.ctx, "turn: utterance end without open utterance discarded", "seq", e.Seq, "state", m.state.String())
		return
	}
	m.closeUtterance(u, e.Seq, false)
}

func (m *Machine) openUtterance(start uint64, at time.Time, reason string) {
	m.gen++
	u := &utterance{
		gen:  m.gen,
		info: stt.Utterance{ID: uuid.NewString(), StartSeq: start, StartedAt: at},
	}
	u.writer = newStreamWriter(u.info.ID, sttQueueFrames)
	for _, f := range m.preroll {
		if f.Seq >= start {
			u.add(f)
		}
	}
	m.utt = u

	gen, info := u.gen, u.info
	go func() {
		stream, err := m.opts.Transcriber.Begin(m.ctx, info)
		m.send(sttReady{gen: gen, stream: stream, err: err})
	}()
	if d := m.opts.Turn.MaxUtterance; d > 0 {
		u.limit = time.AfterFunc(d, func() { m.send(utteranceLimit{gen: gen}) })
	}
	m.transition(ListeningToCaller, reason)
	logging.DebugwCtx(m.ctx, "turn: utterance opened", logging.UtteranceFields(info.ID, start, 0)...)
}

func (m *Machine) closeUtterance(u *utterance, seq uint64, forced bool) {
	u.closed = true
	u.forced = forced
	u.info.EndSeq = seq
	u.endedAt = time.Now()
	if u.limit != nil {
		u.limit.Stop()
	}
	u.writer.finish()
	gen := u.gen
	if d := m.opts.Turn.STTTimeout; d > 0 {
		u.deadline = time.AfterFunc(d, func() { m.send(sttDeadline{gen: gen}) })
	}
	logging.DebugwCtx(m.ctx, "turn: utterance closed", append(logging.UtteranceFields(u.info.ID, u.info.StartSeq, seq), "forced", forced)...)
}

func (m *Machine) lookup(gen uint64) *utterance {
	if m.utt != nil && m.utt.gen == gen {
		return m.utt
	}
	if m.draining != nil && m.draining.gen == gen {
		return m.draining
	}
	return nil
}

func (m *Machine) onSTTReady(ev sttReady) error {
	u := m.lookup(ev.gen)
	if u == nil || u.final {
		if ev.stream != nil {
			ev.stream.Cancel()
		}
		return nil
	}
	if ev.err != nil {
		if u == m.draining {
			logging.WarnwCtx(m.ctx, "turn: stt unavailable for earlier utterance; dropping it", "utterance.id", u.info.ID, "err", ev.err)
			u.abandon()
			m.draining = nil
			return nil
		}
		return m.transcriptionFailed(u, ev.err)
	}
	u.stream = ev.stream
	u.writer.attach(ev.stream)
	go func(gen uint64, s stt.Stream) {
		for tr := range s.Results() {
			m.send(sttResult{gen: gen, tr: tr})
		}
		m.send(sttClosed{gen: gen, err: s.Err()})
	}(u.gen, u.stream)
	return nil
}

func (m *Machine) onTranscript(ev sttResult) error {
	u := m.lookup(ev.gen)
	if u == nil || u.final {
		return nil
	}
	if !ev.tr.Final {
		u.partial = ev.tr.Text
		return nil
	}
	u.final = true
	u.stop()
	if u == m.draining {
		m.pending = joinText(m.pending, ev.tr.Text)
		m.draining = nil
		return nil
	}
	if !u.closed {
		// the service decided the utterance is over before the gate did
		m.gate.Reset()
		u.closed = true
		u.endedAt = time.Now()
	}
	m.finishUtterance(u, ev.tr.Text)
	return nil
}

func (m *Machine) onSTTClosed(ev sttClosed) error {
	u := m.lookup(ev.gen)
	if u == nil || u.final {
		return nil
	}
	if u == m.draining {
		u.abandon()
		m.draining = nil
		return nil
	}
	err := ev.err
	if err == nil {
		err = errors.New("stt: stream ended without a final transcript")
	}
	return m.transcriptionFailed(u, err)
}

func (m *Machine) onSTTDeadline(ev sttDeadline) error {
	u := m.lookup(ev.gen)
	if u == nil || u.final {
		return nil
	}
	if u == m.draining {
		u.abandon()
		m.draining = nil
		return nil
	}
	if u.forced && strings.TrimSpace(u.partial) != "" {
		u.abandon()
		logging.WarnwCtx(m.ctx, "turn: no final transcript after forced close; using partial", "utterance.id", u.info.ID)
		m.finishUtterance(u, u.partial)
		return nil
	}
	return m.transcriptionFailed(u, fmt.Errorf("%w after %s", stt.ErrTimeout, m.opts.Turn.STTTimeout))
}

func (m *Machine) onUtteranceLimit(ev utteranceLimit) {
	u := m.utt
	if u == nil || u.gen != ev.gen || u.closed {
		return
	}
	logging.WarnwCtx(m.ctx, "turn: max utterance duration reached; force-closing", "utterance.id", u.info.ID, "max", m.opts.Turn.MaxUtterance.String())
	m.gate.Reset()
	m.closeUtterance(u, m.lastSeq, true)
}

func (m *Machine) transcriptionFailed(u *utterance, err error) error {
	u.abandon()
	if m.utt == u {
		m.utt = nil
	}
	return m.adapterFailed("stt", err)
}

func (m *Machine) finishUtterance(u *utterance, text string) {
	m.utt = nil
	if !u.endedAt.IsZero() {
		m.opts.Metrics.Stage(metrics.StageASR, time.Since(u.endedAt))
	}
	text = joinText(m.pending, text)
	m.pending = ""
	if text == "" {
		logging.InfowCtx(m.ctx, "turn: empty transcript", "utterance.id", u.info.ID)
		m.transition(Idle, "empty transcript")
		return
	}
	m.think(u, text)
}

func (m *Machine) think(u *utterance, text string) {
	m.gen++
	r := &reply{
		gen:        m.gen,
		id:         uuid.NewString(),
		transcript: text,
		callerPCM:  u.pcm,
		startedAt:  u.info.StartedAt,
		endedAt:    u.endedAt,
		thinkingAt: time.Now(),
		feed:       tts.NewTextFeed(),
	}
	r.resp = m.opts.Generator.Generate(m.ctx, m.opts.Context.Snapshot(), text)
	m.reply = r
	go func(gen uint64, resp *dialogue.Response) {
		for d := range resp.Deltas() {
			m.send(replyDelta{gen: gen, delta: d})
		}
		<-resp.Done()
		m.send(replyEnded{gen: gen, err: resp.Err()})
	}(r.gen, r.resp)
	m.transition(Thinking, "final transcript")
	logging.DebugwCtx(m.ctx, "turn: generating", logging.TurnFields(r.id, r.gen)...)
}

func (m *Machine) onDelta(ev replyDelta) error {
	r := m.reply
	if r == nil || r.gen != ev.gen || r.system {
		return nil
	}
	if ev.delta.Done {
		return m.responseComplete(r)
	}
	if ev.delta.Text == "" {
		return nil
	}
	if r.pb == nil {
		m.opts.Metrics.Stage(metrics.StageLLMFirstToken, time.Since(r.thinkingAt))
		r.pb = m.startPlayback(r)
		m.transition(Speaking, "first response text")
	}
	r.feed.Push(ev.delta.Text)
	return nil
}

// responseComplete is the commit point for a conversation turn.
func (m *Machine) responseComplete(r *reply) error {
	r.complete = true
	r.feed.Close()
	m.opts.Metrics.Stage(metrics.StageLLMTotal, time.Since(r.thinkingAt))
	m.commit(dialogue.Turn{
		ID:        r.id,
		Kind:      dialogue.KindConversation,
		Caller:    r.transcript,
		Agent:     r.resp.Text(),
		Tools:     r.resp.Tools(),
		StartedAt: r.startedAt,
	}, r.callerPCM)
	r.committed = true
	if r.pb != nil {
		return nil
	}
	// nothing to say
	m.reply = nil
	if r.resp.EndCall() {
		return ErrCallEnded
	}
	m.failures = 0
	m.transition(Idle, "empty response")
	return nil
}

func (m *Machine) onReplyEnded(ev replyEnded) error {
	r := m.reply
	if r == nil || r.gen != ev.gen || r.system || ev.err == nil || errors.Is(ev.err, dialogue.ErrCanceled) {
		return nil
	}
	if r.pb == nil {
		m.reply = nil
		return m.adapterFailed("llm", ev.err)
	}
	// let the part already streaming finish, then apologize
	r.llmErr = ev.err
	r.feed.Close()
	return nil
}

func (m *Machine) startPlayback(r *reply) *tts.Playback {
	pb := m.opts.Speaker.Speak(m.ctx, r.feed)
	go func(gen uint64) {
		<-pb.Done()
		m.send(playbackDone{gen: gen})
	}(r.gen)
	return pb
}

func (m *Machine) onPlaybackDone(ev playbackDone) error {
	r := m.reply
	if r == nil || r.gen != ev.gen {
		return nil
	}
	m.reply = nil
	pb := r.pb
	if first := pb.FirstAudio(); !first.IsZero() {
		m.opts.Metrics.Stage(metrics.StageTTSFirstAudio, first.Sub(pb.Started()))
		if !r.system && !r.endedAt.IsZero() {
			m.opts.Metrics.Stage(metrics.StageTurnTotal, first.Sub(r.endedAt))
		}
	}
	if err := pb.Err(); err != nil {
		if r.system {
			// no apology for a failed apology
			if ferr := m.countFailure("tts", err); ferr != nil {
				return ferr
			}
			logging.WarnwCtx(m.ctx, "turn: system prompt playback failed", "err", err)
			m.transition(Idle, "tts failure")
			return nil
		}
		return m.adapterFailed("tts", err)
	}
	if r.llmErr != nil {
		return m.adapterFailed("llm", r.llmErr)
	}
	if !r.system {
		m.failures = 0
	}
	if r.resp != nil && r.resp.EndCall() {
		logging.InfowCtx(m.ctx, "turn: agent ended the call", logging.TurnFields(r.id, r.gen)...)
		return ErrCallEnded
	}
	m.transition(Idle, "synthesis complete")
	return nil
}

// interrupt cancels the reply in flight, records what the caller heard and
// opens the caller's new utterance without passing through Idle.
func (m *Machine) interrupt(start uint64, at time.Time, reason string) error {
	detected := time.Now()
	r := m.reply
	m.reply = nil
	m.transition(Interrupted, reason)
	if r != nil {
		if r.resp != nil {
			r.resp.Cancel()
		}
		if r.pb != nil {
			r.pb.Cancel()
			m.awaitStop(r.pb)
		}
		m.truncate(r)
	}
	latency := time.Since(detected)
	m.opts.Metrics.BargeIn(latency)
	if budget := m.opts.Turn.BargeInBudget; budget > 0 && latency > budget {
		logging.WarnwCtx(m.ctx, "turn: barge-in over latency budget", "latency_ms", latency.Milliseconds(), "budget_ms", budget.Milliseconds())
	}
	m.openUtterance(start, at, reason)
	return nil
}

func (m *Machine) awaitStop(pb *tts.Playback) {
	t := time.NewTimer(stopWait)
	defer t.Stop()
	select {
	case <-pb.Done():
	case <-t.C:
		logging.WarnwCtx(m.ctx, "turn: playback did not acknowledge cancel", "playback.id", pb.ID)
	}
}

func (m *Machine) truncate(r *reply) {
	var heard string
	var seq uint64
	if r.pb != nil {
		heard, seq = r.pb.Heard(), r.pb.LastSeq()
	}
	logging.InfowCtx(m.ctx, "turn: reply interrupted", "heard_chars", len(heard), "heard_seq", seq, "committed", r.committed)
	switch {
	case r.committed:
		// the reply is already in the context; the policy is applied when it
		// is rendered for the model
		m.commit(dialogue.Turn{
			ID:        uuid.NewString(),
			Kind:      dialogue.KindInterruption,
			Agent:     heard,
			Truncated: true,
			Discarded: m.opts.Turn.TruncationPolicy != config.TruncatePartial,
			HeardSeq:  seq,
			StartedAt: time.Now(),
		}, nil)
	case m.opts.Turn.TruncationPolicy == config.TruncatePartial:
		m.commit(dialogue.Turn{
			ID:        r.id,
			Kind:      dialogue.KindConversation,
			Caller:    r.transcript,
			Agent:     heard,
			Tools:     r.resp.Tools(),
			Truncated: true,
			HeardSeq:  seq,
			StartedAt: r.startedAt,
		}, r.callerPCM)
	default:
		// discarded; the caller's words carry into their next utterance
		m.pending = joinText(m.pending, r.transcript)
	}
}

// speakSystem plays text that did not come from the model.
func (m *Machine) speakSystem(text, reason string) {
	if strings.TrimSpace(text) == "" {
		m.transition(Idle, reason)
		return
	}
	m.gen++
	now := time.Now()
	r := &reply{gen: m.gen, id: uuid.NewString(), system: true, startedAt: now, feed: tts.FeedOf(text)}
	m.commit(dialogue.Turn{ID: r.id, Kind: dialogue.KindSystem, Agent: text, StartedAt: now}, nil)
	r.committed = true
	r.complete = true
	r.pb = m.startPlayback(r)
	m.reply = r
	m.transition(Speaking, reason)
}

// countFailure records an adapter failure. Hard failures count against the
// retry budget; timeouts do not.
func (m *Machine) countFailure(adapter string, err error) error {
	m.opts.Metrics.AdapterFailed(adapter)
	if isTimeout(err) {
		return nil
	}
	m.failures++
	if m.failures > m.opts.Turn.RetryBudget {
		return fmt.Errorf("%w: %d consecutive failures, last from %s: %v", ErrRetryBudget, m.failures, adapter, err)
	}
	return nil
}

func (m *Machine) adapterFailed(adapter string, err error) error {
	if ferr := m.countFailure(adapter, err); ferr != nil {
		return ferr
	}
	logging.WarnwCtx(m.ctx, "turn: adapter failed; apologizing", "adapter", adapter, "err", err, "consecutive_failures", m.failures)
	m.pending = ""
	m.speakSystem(m.opts.Turn.ApologyText, adapter+" failure")
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, stt.ErrTimeout) ||
		errors.Is(err, dialogue.ErrTimeout) ||
		errors.Is(err, tts.ErrNoAudio) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (m *Machine) commit(t dialogue.Turn, callerPCM []byte) {
	t.CommittedAt = time.Now()
	if err := m.opts.Context.Append(t); err != nil {
		logging.ErrorwCtx(m.ctx, "turn: commit rejected", "turn.id", t.ID, "err", err)
		return
	}
	m.opts.Metrics.TurnCommitted(t.Kind.String())
	if m.opts.OnTurn != nil {
		m.opts.OnTurn(t, callerPCM)
	}
}

func (m *Machine) transition(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.mu.Lock()
	m.state = to
	m.mu.Unlock()
	m.transitions++
	m.opts.Metrics.Transition(from.String(), to.String())
	logging.InfowCtx(m.ctx, "turn: state transition", "from", from.String(), "to", to.String(), "reason", reason)

	if to == Speaking {
		m.barge.Arm()
	} else {
		m.barge.Disarm()
	}
	if to == Idle {
		m.armIdle()
	} else {
		m.stopIdle()
	}
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(Transition{From: from, To: to, Reason: reason, At: time.Now()})
	}
}

func (m *Machine) armIdle() {
	m.stopIdle()
	d := m.opts.Turn.IdleTimeout
	if d <= 0 {
		return
	}
	token := m.transitions
	m.idleTimer = time.AfterFunc(d, func() { m.send(idleExpired{token: token}) })
}

func (m *Machine) stopIdle() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

// shutdown cancels every in-flight handle and moves to Closed.
func (m *Machine) shutdown(reason string) {
	m.stopIdle()
	for _, u := range []*utterance{m.utt, m.draining} {
		if u != nil {
			u.abandon()
		}
	}
	if r := m.reply; r != nil {
		if r.resp != nil {
			r.resp.Cancel()
		}
		if r.pb != nil {
			r.pb.Cancel()
			m.awaitStop(r.pb)
		}
	}
	m.utt, m.draining, m.reply = nil, nil, nil
	m.transition(Closed, reason)
}

func joinText(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
