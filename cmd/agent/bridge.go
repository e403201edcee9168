package main

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/logging"
)

type frameDecoder interface {
	Decode(packet []byte) ([]byte, error)
}

type frameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

type inboundSink interface {
	PushInbound(pcm []byte) error
}

// bridge moves audio between a Discord voice connection and one session.
// Discord only sends packets while someone talks, so inbound is re-clocked:
// every tick pushes the next decoded frame, or silence when none arrived.
type bridge struct {
	dec        frameDecoder
	enc        frameEncoder
	frameBytes int
	tick       time.Duration
	// jitter bounds decoded frames waiting for the clock.
	jitter  int
	callers *callerDirectory

	mu     sync.Mutex
	caller uint32
}

// lockCaller accepts packets from the first SSRC heard and ignores others.
func (b *bridge) lockCaller(ssrc uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.caller == 0 {
		b.caller = ssrc
		userID, name := b.callers.describe(ssrc)
		logging.Infow("bridge: caller locked", "ssrc", ssrc, "user", userID, "username", name)
	}
	return b.caller == ssrc
}

// decodeLoop decodes caller packets into frames.
func (b *bridge) decodeLoop(ctx context.Context, recv <-chan *discordgo.Packet, frames chan<- []byte) {
	defer close(frames)
	var decodeErrs int
	for {
		var pkt *discordgo.Packet
		var ok bool
		select {
		case <-ctx.Done():
			return
		case pkt, ok = <-recv:
			if !ok {
				return
			}
		}
		if pkt == nil || !b.lockCaller(pkt.SSRC) {
			continue
		}
		pcm, err := b.dec.Decode(pkt.Opus)
		if err != nil {
			decodeErrs++
			logging.Debugw("bridge: opus decode failed", "ssrc", pkt.SSRC, "err", err, "errors", decodeErrs)
			continue
		}
		select {
		case frames <- pcm:
		default:
			// clock is behind; drop rather than grow latency
			logging.Debugw("bridge: jitter buffer full, dropping frame", "ssrc", pkt.SSRC)
		}
	}
}

// pumpInbound pushes one frame per tick into sink until ctx ends, the
// packet source closes, or the sink refuses.
func (b *bridge) pumpInbound(ctx context.Context, recv <-chan *discordgo.Packet, sink inboundSink) error {
	frames := make(chan []byte, b.jitter)
	go b.decodeLoop(ctx, recv, frames)

	silence := audio.Silence(b.frameBytes)
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		pcm := silence
		select {
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			pcm = fit(f, b.frameBytes)
		default:
		}
		if err := sink.PushInbound(pcm); err != nil {
			return err
		}
	}
}

// pumpOutbound encodes agent frames onto send until the subscription ends.
func (b *bridge) pumpOutbound(ctx context.Context, out *audio.Subscription, send chan<- []byte) {
	for f := range out.Frames(ctx) {
		pkt, err := b.enc.Encode(fit(f.PCM, b.frameBytes))
		if err != nil {
			logging.Warnw("bridge: opus encode failed", "seq", f.Seq, "err", err)
			continue
		}
		select {
		case send <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// fit pads or trims pcm to exactly n bytes.
func fit(pcm []byte, n int) []byte {
	if len(pcm) == n {
		return pcm
	}
	out := make([]byte, n)
	copy(out, pcm)
	return out
}
