//go:build opus

package codec

import (
	"fmt"

	"github.com/hraban/opus"
)

// Decoder turns Discord Opus packets into agent PCM frames.
type Decoder struct {
	dec *opus.Decoder
	buf []int16
}

func NewDecoder() (*Decoder, error) {
	d, err := opus.NewDecoder(OpusRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("codec: new decoder: %w", err)
	}
	return &Decoder{dec: d, buf: make([]int16, OpusFrameSamples*OpusChannels*3)}, nil
}

// Decode returns 16 kHz mono PCM for one packet.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return Downmix(d.buf[:n*OpusChannels]), nil
}

// Encoder turns agent PCM frames into Opus packets.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

func NewEncoder() (*Encoder, error) {
	e, err := opus.NewEncoder(OpusRate, OpusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new encoder: %w", err)
	}
	return &Encoder{enc: e, buf: make([]byte, MaxPacketBytes)}, nil
}

// Encode takes one 20 ms frame of 16 kHz mono PCM.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	n, err := e.enc.Encode(Upmix(pcm), e.buf)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
