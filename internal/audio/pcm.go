package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Samples decodes 16-bit little-endian PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// PCMBytes encodes samples as 16-bit little-endian PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square level of pcm normalized to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sumSq += v * v
	}
	return math.Sqrt(sumSq/float64(n)) / 32768.0
}

// Silence returns n bytes of zeroed PCM.
func Silence(n int) []byte { return make([]byte, n) }

// Ramp scales pcm linearly from gain `from` at the first sample to `to` at
// the last. Used for the fade tail after a cancelled playback.
func Ramp(pcm []byte, from, to float64) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		g := from
		if n > 1 {
			g = from + (to-from)*float64(i)/float64(n-1)
		}
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) * g
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v))))
	}
	return out
}

// BuildWAV wraps raw PCM in a RIFF/WAVE header.
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// Chunker cuts an arbitrary PCM byte stream into fixed-size frames.
type Chunker struct {
	size int
	buf  []byte
}

func NewChunker(frameBytes int) *Chunker { return &Chunker{size: frameBytes} }

// Write appends p and returns every complete frame now available.
func (c *Chunker) Write(p []byte) [][]byte {
	c.buf = append(c.buf, p...)
	var out [][]byte
	for len(c.buf) >= c.size {
		f := make([]byte, c.size)
		copy(f, c.buf[:c.size])
		out = append(out, f)
		c.buf = c.buf[c.size:]
	}
	return out
}

// Flush returns the remainder padded with silence to a full frame, or nil.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	f := make([]byte, c.size)
	copy(f, c.buf)
	c.buf = nil
	return f
}
