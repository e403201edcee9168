//go:build !opus

package codec

// Decoder is unavailable without the opus build tag.
type Decoder struct{}

func NewDecoder() (*Decoder, error) { return nil, ErrUnavailable }

func (d *Decoder) Decode([]byte) ([]byte, error) { return nil, ErrUnavailable }

// Encoder is unavailable without the opus build tag.
type Encoder struct{}

func NewEncoder() (*Encoder, error) { return nil, ErrUnavailable }

func (e *Encoder) Encode([]byte) ([]byte, error) { return nil, ErrUnavailable }
