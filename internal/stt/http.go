package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/logging"
)

// HTTPConfig configures a batch recognizer that accepts a WAV upload and
// answers with {"text": "..."} (whisper-style servers).
type HTTPConfig struct {
	URL        string
	APIKey     string
	Language   string
	SampleRate int
	Attempts   int
	Timeout    time.Duration
	Client     *http.Client
	// Backoff is the base delay between attempts; it doubles each retry.
	Backoff time.Duration
}

// HTTP buffers an utterance and transcribes it in one request after
// CloseSend. It produces no partials.
type HTTP struct {
	cfg HTTPConfig
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &HTTP{cfg: cfg}
}

func (h *HTTP) Begin(ctx context.Context, u Utterance) (Stream, error) {
	sctx, cancel := context.WithCancel(ctx)
	return &httpStream{
		cfg:       h.cfg,
		utterance: u.ID,
		ctx:       sctx,
		cancel:    cancel,
		results:   make(chan Transcript, 1),
	}, nil
}

type httpStream struct {
	cfg       HTTPConfig
	utterance string
	ctx       context.Context
	cancel    context.CancelFunc
	results   chan Transcript

	mu     sync.Mutex
	pcm    bytes.Buffer
	closed bool
	err    error
}

func (s *httpStream) Write(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.pcm.Write(f.PCM)
	return nil
}

func (s *httpStream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pcm := append([]byte(nil), s.pcm.Bytes()...)
	s.mu.Unlock()
	go s.transcribe(pcm)
	return nil
}

func (s *httpStream) Results() <-chan Transcript { return s.results }

func (s *httpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *httpStream) Cancel() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *httpStream) fail(err error) {
	s.mu.Lock()
	if s.ctx.Err() == nil {
		s.err = err
	}
	s.mu.Unlock()
	close(s.results)
}

func (s *httpStream) requestURL() string {
	u, err := url.Parse(s.cfg.URL)
	if err != nil || s.cfg.Language == "" {
		return s.cfg.URL
	}
	q := u.Query()
	q.Set("language", s.cfg.Language)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *httpStream) transcribe(pcm []byte) {
	wav := audio.BuildWAV(pcm, s.cfg.SampleRate, 1, 16)
	target := s.requestURL()

	var lastErr error
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-s.ctx.Done():
				s.fail(ErrCanceled)
				return
			case <-time.After(s.cfg.Backoff * time.Duration(1<<(attempt-1))):
			}
		}
		text, err := s.post(target, wav)
		if err == nil {
			select {
			case <-s.ctx.Done():
			case s.results <- Transcript{UtteranceID: s.utterance, Text: text, Final: true, At: time.Now()}:
			}
			close(s.results)
			return
		}
		lastErr = err
		var te *TranscriptionError
		if s.ctx.Err() != nil || (errors.As(err, &te) && !te.Retryable) {
			break
		}
		logging.Warnw("stt: http attempt failed", "attempt", attempt+1, "err", err, "utterance.id", s.utterance)
	}
	s.fail(lastErr)
}

func (s *httpStream) post(target string, wav []byte) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(wav))
	if err != nil {
		return "", &TranscriptionError{Provider: "http", Err: err}
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("X-Correlation-ID", s.utterance)
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	sent := time.Now()
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return "", &TranscriptionError{Provider: "http", Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &TranscriptionError{
			Provider:  "http",
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == 429,
			Err:       errors.New("unexpected status"),
		}
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TranscriptionError{Provider: "http", Err: fmt.Errorf("decode response: %w", err)}
	}
	logging.Debugw("stt: http response received", "utterance.id", s.utterance, "stt_latency_ms", time.Since(sent).Milliseconds(), "bytes", len(wav))
	return strings.TrimSpace(out.Text), nil
}
