package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return PCMBytes(s)
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS(Silence(640)))
	assert.InDelta(t, 0.5, RMS(constant(16384, 320)), 1e-9)
}

func TestRampFadesToZero(t *testing.T) {
	in := constant(1000, 5)
	out := Samples(Ramp(in, 1, 0))
	require.Len(t, out, 5)
	assert.Equal(t, int16(1000), out[0])
	assert.Equal(t, int16(500), out[2])
	assert.Equal(t, int16(0), out[4])
}

func TestBuildWAVHeader(t *testing.T) {
	pcm := constant(1, 10)
	wav := BuildWAV(pcm, 16000, 1, 16)
	require.Len(t, wav, 44+len(pcm))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestChunker(t *testing.T) {
	c := NewChunker(4)
	assert.Empty(t, c.Write([]byte{1, 2, 3}))
	frames := c.Write([]byte{4, 5, 6, 7, 8, 9})
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0])
	assert.Equal(t, []byte{5, 6, 7, 8}, frames[1])
	assert.Equal(t, []byte{9, 0, 0, 0}, c.Flush())
	assert.Nil(t, c.Flush())
}
