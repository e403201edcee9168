package stt

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-voice-agent/internal/audio"
)

func collect(t *testing.T, s Stream) []Transcript {
	t.Helper()
	var out []Transcript
	timeout := time.After(3 * time.Second)
	for {
		select {
		case tr, ok := <-s.Results():
			if !ok {
				return out
			}
			out = append(out, tr)
		case <-timeout:
			t.Fatal("results not closed")
		}
	}
}

func pcmFrame(seq uint64) audio.Frame {
	return audio.NewFrame(seq, time.Now(), audio.Inbound, make([]byte, 640))
}

func newDeepgramServer(t *testing.T, gotAudio *atomic.Int64) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" || r.URL.Query().Get("encoding") != "linear16" || r.URL.Query().Get("sample_rate") != "16000" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sentInterim := false
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				gotAudio.Add(int64(len(data)))
				if !sentInterim {
					sentInterim = true
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
				}
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there"}]}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"r1"}`))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
}

func TestDeepgramPartialsThenFinal(t *testing.T) {
	var gotAudio atomic.Int64
	srv := newDeepgramServer(t, &gotAudio)
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{URL: srv.URL, APIKey: "dg-key", Model: "nova-3", SampleRate: 16000})
	s, err := dg.Begin(context.Background(), Utterance{ID: "u1", StartSeq: 1})
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.Write(pcmFrame(i)))
	}
	require.NoError(t, s.CloseSend())
	assert.ErrorIs(t, s.Write(pcmFrame(4)), ErrStreamClosed)

	results := collect(t, s)
	require.NotEmpty(t, results)
	final := results[len(results)-1]
	assert.True(t, final.Final)
	assert.Equal(t, "hello there", final.Text)
	assert.Equal(t, "u1", final.UtteranceID)
	for _, r := range results[:len(results)-1] {
		assert.False(t, r.Final)
	}
	assert.NoError(t, s.Err())
	assert.Equal(t, int64(3*640), gotAudio.Load())
}

func TestDeepgramCancelDeliversNothingFurther(t *testing.T) {
	var gotAudio atomic.Int64
	srv := newDeepgramServer(t, &gotAudio)
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{URL: srv.URL, APIKey: "dg-key", SampleRate: 16000})
	s, err := dg.Begin(context.Background(), Utterance{ID: "u2"})
	require.NoError(t, err)
	s.Cancel()
	s.Cancel()
	for _, r := range collect(t, s) {
		assert.False(t, r.Final, "no final after cancel")
	}
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.Write(pcmFrame(1)), ErrStreamClosed)
}

func TestDeepgramWriteDeadline(t *testing.T) {
	var gotAudio atomic.Int64
	srv := newDeepgramServer(t, &gotAudio)
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{URL: srv.URL, APIKey: "dg-key", SampleRate: 16000, WriteTimeout: time.Nanosecond})
	s, err := dg.Begin(context.Background(), Utterance{ID: "u4"})
	require.NoError(t, err)
	defer s.Cancel()

	err = s.Write(pcmFrame(1))
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Retryable)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestDeepgramDialFailure(t *testing.T) {
	var gotAudio atomic.Int64
	srv := newDeepgramServer(t, &gotAudio)
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{URL: srv.URL, APIKey: "wrong", SampleRate: 16000})
	_, err := dg.Begin(context.Background(), Utterance{ID: "u3"})
	var te *TranscriptionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.Status)
	assert.False(t, te.Retryable)
}

func TestHTTPRetriesThenFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		assert.Equal(t, "en-US", r.URL.Query().Get("language"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF", string(body[:4]))
		assert.Len(t, body, 44+2*640)
		_, _ = w.Write([]byte(`{"text":"  what time is it  "}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL, Language: "en-US", SampleRate: 16000, Attempts: 3, Backoff: time.Millisecond})
	s, err := h.Begin(context.Background(), Utterance{ID: "u4"})
	require.NoError(t, err)
	require.NoError(t, s.Write(pcmFrame(1)))
	require.NoError(t, s.Write(pcmFrame(2)))
	require.NoError(t, s.CloseSend())

	results := collect(t, s)
	require.Len(t, results, 1)
	assert.Equal(t, Transcript{UtteranceID: "u4", Text: "what time is it", Final: true, At: results[0].At}, results[0])
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{URL: srv.URL, SampleRate: 16000, Attempts: 3, Backoff: time.Millisecond})
	s, err := h.Begin(context.Background(), Utterance{ID: "u5"})
	require.NoError(t, err)
	require.NoError(t, s.CloseSend())

	assert.Empty(t, collect(t, s))
	var te *TranscriptionError
	require.True(t, errors.As(s.Err(), &te))
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Equal(t, int32(1), calls.Load())
}
