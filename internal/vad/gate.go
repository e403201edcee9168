package vad

import (
	"fmt"
	"time"

	"github.com/duplex-voice-agent/internal/audio"
)

// Classifier labels a single frame as speech or not. Implementations may be
// energy based or model based; the gate only needs the boolean.
type Classifier interface {
	IsSpeech(pcm []byte) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(pcm []byte) bool

func (f ClassifierFunc) IsSpeech(pcm []byte) bool { return f(pcm) }

// EnergyClassifier treats frames at or above Threshold normalized RMS as speech.
type EnergyClassifier struct {
	Threshold float64
}

func (c EnergyClassifier) IsSpeech(pcm []byte) bool {
	return audio.RMS(pcm) >= c.Threshold
}

type EventKind int

const (
	UtteranceStarted EventKind = iota + 1
	UtteranceEnded
)

func (k EventKind) String() string {
	switch k {
	case UtteranceStarted:
		return "utterance_started"
	case UtteranceEnded:
		return "utterance_ended"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event marks an utterance boundary. For UtteranceStarted, Seq is the first
// frame of the qualifying speech run; for UtteranceEnded it is the frame that
// completed the silence run.
type Event struct {
	Kind EventKind
	Seq  uint64
	At   time.Time
}

// Gate converts per-frame speech decisions into utterance boundaries using
// frame-count hysteresis. Started and Ended strictly alternate. A Gate is
// owned by one goroutine.
type Gate struct {
	startFrames int
	endFrames   int

	speaking bool
	run      int
	runStart uint64
}

func NewGate(startFrames, endFrames int) *Gate {
	if startFrames < 1 {
		startFrames = 1
	}
	if endFrames < 1 {
		endFrames = 1
	}
	return &Gate{startFrames: startFrames, endFrames: endFrames}
}

// Observe feeds one frame's classification.
func (g *Gate) Observe(seq uint64, at time.Time, speech bool) (Event, bool) {
	if !g.speaking {
		if !speech {
			g.run = 0
			return Event{}, false
		}
		if g.run == 0 {
			g.runStart = seq
		}
		g.run++
		if g.run < g.startFrames {
			return Event{}, false
		}
		g.speaking = true
		g.run = 0
		return Event{Kind: UtteranceStarted, Seq: g.runStart, At: at}, true
	}
	if speech {
		g.run = 0
		return Event{}, false
	}
	g.run++
	if g.run < g.endFrames {
		return Event{}, false
	}
	g.speaking = false
	g.run = 0
	return Event{Kind: UtteranceEnded, Seq: seq, At: at}, true
}

// Begin forces the gate into the speaking state with an utterance starting at
// seq. It returns the Started event only if the gate was quiet.
func (g *Gate) Begin(seq uint64, at time.Time) (Event, bool) {
	if g.speaking {
		return Event{}, false
	}
	g.speaking = true
	g.run = 0
	return Event{Kind: UtteranceStarted, Seq: seq, At: at}, true
}

// Reset returns to quiet without emitting an event.
func (g *Gate) Reset() {
	g.speaking = false
	g.run = 0
}

func (g *Gate) Speaking() bool { return g.speaking }
