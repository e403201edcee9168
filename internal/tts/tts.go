package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/duplex-voice-agent/internal/config"
)

var (
	ErrSynthesisFailed = errors.New("tts: synthesis failed")
	// ErrNoAudio means a sentence produced no audio within the deadline.
	ErrNoAudio = errors.New("tts: no audio before deadline")
)

// Provider turns one piece of text into raw mono 16-bit PCM at the session
// sample rate. The body may be streamed; callers close it.
type Provider interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// SynthesisError carries provider context for a failed synthesis.
type SynthesisError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *SynthesisError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tts %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("tts %s: %v", e.Provider, e.Err)
}

// Unwrap exposes both the cause and ErrSynthesisFailed to errors.Is.
func (e *SynthesisError) Unwrap() []error { return []error{ErrSynthesisFailed, e.Err} }

// New builds the configured provider.
func New(cfg config.TTSConfig, sampleRate int) (Provider, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTP(HTTPConfig{
			URL:        cfg.URL,
			AuthToken:  cfg.APIKey,
			SampleRate: sampleRate,
			Attempts:   cfg.Attempts,
			Timeout:    cfg.Timeout,
		}), nil
	case "elevenlabs":
		return NewElevenLabs(ElevenLabsConfig{
			BaseURL:         cfg.URL,
			APIKey:          cfg.APIKey,
			VoiceID:         cfg.VoiceID,
			Model:           cfg.Model,
			SampleRate:      sampleRate,
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.SimilarityBoost,
			Speed:           cfg.Speed,
			Attempts:        cfg.Attempts,
			Timeout:         cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", cfg.Provider)
	}
}
