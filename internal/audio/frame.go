package audio

import (
	"fmt"
	"time"
)

// Direction distinguishes caller audio from agent audio.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Frame is a fixed-duration slice of mono 16-bit little-endian PCM. Seq is
// strictly increasing per direction within a session. Frames are shared
// between subscribers and must be treated as read-only.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Direction Direction
	PCM       []byte
}

// NewFrame copies pcm so the caller may reuse its buffer.
func NewFrame(seq uint64, ts time.Time, dir Direction, pcm []byte) Frame {
	b := make([]byte, len(pcm))
	copy(b, pcm)
	return Frame{Seq: seq, Timestamp: ts, Direction: dir, PCM: b}
}

// Duration of the frame at the given sample rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
