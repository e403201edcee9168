package stt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/logging"
)

// DeepgramConfig configures the streaming websocket recognizer.
type DeepgramConfig struct {
	URL        string
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Dialer     *websocket.Dialer
	// WriteTimeout bounds each websocket write. Zero means five seconds.
	WriteTimeout time.Duration
}

// Deepgram streams raw linear16 audio over a websocket and receives interim
// and final results as JSON text messages.
type Deepgram struct {
	cfg DeepgramConfig
}

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Deepgram{cfg: cfg}
}

func (d *Deepgram) endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Deepgram) Begin(ctx context.Context, u Utterance) (Stream, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, &TranscriptionError{Provider: "deepgram", Err: err}
	}
	hdr := http.Header{}
	if d.cfg.APIKey != "" {
		hdr.Set("Authorization", "Token "+d.cfg.APIKey)
	}
	conn, resp, err := d.cfg.Dialer.DialContext(ctx, endpoint, hdr)
	if err != nil {
		te := &TranscriptionError{Provider: "deepgram", Retryable: true, Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
			te.Retryable = resp.StatusCode >= 500 || resp.StatusCode == 429
		}
		return nil, te
	}
	s := &deepgramStream{
		conn:         conn,
		utterance:    u.ID,
		writeTimeout: d.cfg.WriteTimeout,
		results:      make(chan Transcript, 16),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	logging.Debugw("stt: deepgram stream opened", "utterance.id", u.ID)
	return s, nil
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn         *websocket.Conn
	utterance    string
	writeTimeout time.Duration
	results      chan Transcript

	writeMu   sync.Mutex
	closeSent bool

	mu       sync.Mutex
	err      error
	finals   []string
	canceled bool

	done       chan struct{}
	cancelOnce sync.Once
	finishOnce sync.Once
}

func (s *deepgramStream) Write(f audio.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closeSent || s.isCanceled() {
		return ErrStreamClosed
	}
	return s.write(websocket.BinaryMessage, f.PCM)
}

// write sends one message under the write deadline; writeMu is held.
func (s *deepgramStream) write(kind int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(kind, data); err != nil {
		return &TranscriptionError{Provider: "deepgram", Retryable: true, Err: err}
	}
	return nil
}

func (s *deepgramStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closeSent || s.isCanceled() {
		return nil
	}
	s.closeSent = true
	return s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramStream) Results() <-chan Transcript { return s.results }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.canceled = true
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *deepgramStream) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

func (s *deepgramStream) sentClose() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closeSent
}

func (s *deepgramStream) emit(t Transcript) bool {
	if s.isCanceled() {
		return false
	}
	select {
	case <-s.done:
		return false
	case s.results <- t:
		return true
	}
}

// finish emits the joined final (when ok) and closes Results exactly once.
func (s *deepgramStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		text := strings.TrimSpace(strings.Join(s.finals, " "))
		if err != nil && !s.canceled {
			s.err = err
		}
		s.mu.Unlock()
		if err == nil {
			s.emit(Transcript{UtteranceID: s.utterance, Text: text, Final: true, At: time.Now()})
		}
		close(s.results)
		_ = s.conn.Close()
	})
}

func (s *deepgramStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case s.isCanceled():
				s.finish(ErrCanceled)
			case s.sentClose() && (websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent)):
				s.finish(nil)
			default:
				s.finish(&TranscriptionError{Provider: "deepgram", Retryable: true, Err: err})
			}
			return
		}
		var msg deepgramResult
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("stt: deepgram undecodable message", "err", err, "utterance.id", s.utterance)
			continue
		}
		switch msg.Type {
		case "Metadata":
			// sent once the provider has flushed everything after CloseStream
			if s.sentClose() {
				s.finish(nil)
				return
			}
		case "Results":
			text := ""
			if len(msg.Channel.Alternatives) > 0 {
				text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
			}
			s.mu.Lock()
			if msg.IsFinal && text != "" {
				s.finals = append(s.finals, text)
			}
			parts := append([]string(nil), s.finals...)
			if !msg.IsFinal && text != "" {
				parts = append(parts, text)
			}
			s.mu.Unlock()
			partial := strings.Join(parts, " ")
			if partial != "" {
				if !s.emit(Transcript{UtteranceID: s.utterance, Text: partial, At: time.Now()}) {
					s.finish(ErrCanceled)
					return
				}
			}
		}
	}
}
