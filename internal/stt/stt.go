package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/config"
)

var (
	// ErrTimeout means no final transcript arrived within the deadline.
	ErrTimeout = errors.New("stt: timed out waiting for final transcript")
	// ErrStreamClosed is returned by Write after CloseSend or Cancel.
	ErrStreamClosed = errors.New("stt: stream closed")
	ErrCanceled     = errors.New("stt: stream canceled")
)

// Utterance is one contiguous stretch of caller speech. EndSeq is zero
// while the utterance is open.
type Utterance struct {
	ID        string
	StartSeq  uint64
	EndSeq    uint64
	StartedAt time.Time
}

// Transcript is recognized text for an utterance. Partial transcripts are
// provisional and never promoted to final.
type Transcript struct {
	UtteranceID string
	Text        string
	Final       bool
	At          time.Time
}

// Transcriber opens one recognition stream per utterance.
type Transcriber interface {
	Begin(ctx context.Context, u Utterance) (Stream, error)
}

// Stream receives the frames of one utterance. Results yields zero or more
// partials, then at most one final, then closes. If it closes without a
// final, Err explains why.
type Stream interface {
	Write(f audio.Frame) error
	// CloseSend marks the end of caller audio.
	CloseSend() error
	Results() <-chan Transcript
	Err() error
	// Cancel abandons the stream; no further results are delivered.
	Cancel()
}

// TranscriptionError carries provider context for a failed stream.
type TranscriptionError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *TranscriptionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stt %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("stt %s: %v", e.Provider, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// New builds the configured provider.
func New(cfg config.STTConfig, sampleRate int) (Transcriber, error) {
	switch cfg.Provider {
	case "deepgram":
		return NewDeepgram(DeepgramConfig{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Language:   cfg.Language,
			SampleRate: sampleRate,
		}), nil
	case "http":
		return NewHTTP(HTTPConfig{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			Language:   cfg.Language,
			SampleRate: sampleRate,
			Attempts:   cfg.Attempts,
			Timeout:    cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("stt: unknown provider %q", cfg.Provider)
	}
}
