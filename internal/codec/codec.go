// Package codec converts between the agent's 16 kHz mono PCM frames and the
// 48 kHz stereo Opus packets a Discord voice connection carries.
package codec

import (
	"encoding/binary"
	"errors"
)

const (
	// OpusRate and OpusChannels are fixed by the Discord voice gateway.
	OpusRate     = 48000
	OpusChannels = 2
	// OpusFrameSamples is one 20 ms packet, per channel.
	OpusFrameSamples = OpusRate / 50
	// MaxPacketBytes bounds one encoded packet.
	MaxPacketBytes = 4000

	// AgentRate is the pipeline's sample rate.
	AgentRate = 16000
	ratio     = OpusRate / AgentRate
)

// ErrUnavailable is returned by builds without libopus.
var ErrUnavailable = errors.New("codec: built without opus support")

// Downmix converts interleaved 48 kHz stereo samples to 16 kHz mono PCM
// bytes by averaging channels and each group of three samples.
func Downmix(stereo []int16) []byte {
	frames := len(stereo) / OpusChannels
	out := make([]byte, frames/ratio*2)
	for i := 0; i+ratio <= frames; i += ratio {
		var sum int32
		for k := 0; k < ratio; k++ {
			sum += int32(stereo[(i+k)*2]) + int32(stereo[(i+k)*2+1])
		}
		v := sum / (ratio * OpusChannels)
		binary.LittleEndian.PutUint16(out[i/ratio*2:], uint16(int16(v)))
	}
	return out
}

// Upmix converts 16 kHz mono PCM bytes to interleaved 48 kHz stereo by
// sample repetition.
func Upmix(mono []byte) []int16 {
	n := len(mono) / 2
	out := make([]int16, n*ratio*OpusChannels)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(mono[2*i:]))
		base := i * ratio * OpusChannels
		for k := 0; k < ratio*OpusChannels; k++ {
			out[base+k] = s
		}
	}
	return out
}
