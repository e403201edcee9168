//go:build opus

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusRoundTripFrameSize(t *testing.T) {
	enc, err := NewEncoder()
	require.NoError(t, err)
	dec, err := NewDecoder()
	require.NoError(t, err)

	pkt, err := enc.Encode(make([]byte, 640))
	require.NoError(t, err)
	assert.NotEmpty(t, pkt)

	pcm, err := dec.Decode(pkt)
	require.NoError(t, err)
	assert.Len(t, pcm, 640)
}
