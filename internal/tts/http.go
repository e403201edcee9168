package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/duplex-voice-agent/internal/logging"
)

// postWithRetries posts body to target, retrying network errors and 5xx/429
// with exponential backoff. Caller closes resp.Body.
func postWithRetries(ctx context.Context, client *http.Client, provider, target string, body []byte, headers http.Header, attempts int) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(200*(1<<(i-1))) * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, &SynthesisError{Provider: provider, Err: err}
		}
		req.Header = headers.Clone()
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &SynthesisError{Provider: provider, Retryable: true, Err: err}
			logging.Debugw("tts: POST attempt failed", "provider", provider, "attempt", i+1, "err", err)
			continue
		}
		if resp.StatusCode < 300 {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		retryable := resp.StatusCode >= 500 || resp.StatusCode == 429
		lastErr = &SynthesisError{Provider: provider, Status: resp.StatusCode, Retryable: retryable, Err: errors.New("unexpected status")}
		logging.Warnw("tts: returned non-2xx", "provider", provider, "status", resp.StatusCode, "attempt", i+1)
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

// HTTPConfig targets a simple synthesis service that accepts {"text": ...}
// and returns PCM (optionally wrapped in a WAV header).
type HTTPConfig struct {
	URL        string
	AuthToken  string
	SampleRate int
	Attempts   int
	Timeout    time.Duration
	Client     *http.Client
}

type HTTP struct {
	cfg HTTPConfig
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	return &HTTP{cfg: cfg}
}

func (h *HTTP) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if h.cfg.URL == "" {
		return nil, &SynthesisError{Provider: "http", Err: errors.New("tts client not configured")}
	}
	body, _ := json.Marshal(map[string]interface{}{"text": text, "sample_rate": h.cfg.SampleRate})
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	if h.cfg.AuthToken != "" {
		hdr.Set("Authorization", "Bearer "+h.cfg.AuthToken)
	}
	resp, err := postWithRetries(ctx, h.cfg.Client, "http", h.cfg.URL, body, hdr, h.cfg.Attempts)
	if err != nil {
		return nil, err
	}
	return stripWAV(resp.Body), nil
}

// stripWAV skips a RIFF header if the body starts with one.
func stripWAV(rc io.ReadCloser) io.ReadCloser {
	br := bufio.NewReaderSize(rc, 64)
	head, err := br.Peek(44)
	if err != nil || string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
		return readCloser{Reader: br, Closer: rc}
	}
	_, _ = br.Discard(44)
	return readCloser{Reader: br, Closer: rc}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// ElevenLabsConfig configures the streaming HTTP endpoint.
type ElevenLabsConfig struct {
	BaseURL         string
	APIKey          string
	VoiceID         string
	Model           string
	SampleRate      int
	Stability       float64
	SimilarityBoost float64
	Speed           float64
	Attempts        int
	Timeout         time.Duration
	Client          *http.Client
}

type ElevenLabs struct {
	cfg ElevenLabsConfig
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "eleven_flash_v2_5"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	return &ElevenLabs{cfg: cfg}
}

func (e *ElevenLabs) endpoint() string {
	q := url.Values{}
	q.Set("output_format", "pcm_"+strconv.Itoa(e.cfg.SampleRate))
	return e.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) + "/stream?" + q.Encode()
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if e.cfg.VoiceID == "" {
		return nil, &SynthesisError{Provider: "elevenlabs", Err: errors.New("voice id required")}
	}
	payload := map[string]interface{}{
		"text":     text,
		"model_id": e.cfg.Model,
		"voice_settings": map[string]float64{
			"stability":        e.cfg.Stability,
			"similarity_boost": e.cfg.SimilarityBoost,
			"speed":            e.cfg.Speed,
		},
	}
	body, _ := json.Marshal(payload)
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Accept", "audio/pcm")
	hdr.Set("xi-api-key", e.cfg.APIKey)
	resp, err := postWithRetries(ctx, e.cfg.Client, "elevenlabs", e.endpoint(), body, hdr, e.cfg.Attempts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
