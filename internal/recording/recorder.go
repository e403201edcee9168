package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/duplex-voice-agent/internal/audio"
	"github.com/duplex-voice-agent/internal/dialogue"
	"github.com/duplex-voice-agent/internal/logging"
)

// Sidecar is the JSON document written next to each turn's caller audio.
type Sidecar struct {
	SessionID   string                  `json:"session_id"`
	TurnID      string                  `json:"turn_id"`
	Kind        string                  `json:"kind"`
	Caller      string                  `json:"caller,omitempty"`
	Agent       string                  `json:"agent,omitempty"`
	Tools       []dialogue.ToolExchange `json:"tools,omitempty"`
	Truncated   bool                    `json:"truncated,omitempty"`
	HeardSeq    uint64                  `json:"heard_seq,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CommittedAt time.Time               `json:"committed_at"`
	WAVPath     string                  `json:"wav_path,omitempty"`
}

// Recorder saves committed turns to a directory as WAV + JSON pairs. A nil
// *Recorder records nothing.
type Recorder struct {
	Dir        string
	SampleRate int

	mu   sync.Mutex
	last map[string]string // session id -> sidecar path of its latest turn
}

// New returns nil when dir is empty.
func New(dir string, sampleRate int) *Recorder {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Recorder{Dir: dir, SampleRate: sampleRate, last: make(map[string]string)}
}

// SaveTurn persists t. An interruption is folded into the sidecar of the
// turn it cut off instead of getting files of its own.
func (r *Recorder) SaveTurn(sessionID string, t dialogue.Turn, callerPCM []byte) error {
	if r == nil {
		return nil
	}
	if t.Kind == dialogue.KindInterruption {
		r.mu.Lock()
		path := r.last[sessionID]
		r.mu.Unlock()
		if path == "" {
			return nil
		}
		return MergeUpdates(path, map[string]interface{}{
			"interrupted": true,
			"heard":       t.Agent,
			"discarded":   t.Discarded,
			"heard_seq":   t.HeardSeq,
		})
	}

	base := fmt.Sprintf("%s_%s_%s", t.CommittedAt.UTC().Format("20060102T150405.000"), shortID(sessionID), shortID(t.ID))
	sc := Sidecar{
		SessionID:   sessionID,
		TurnID:      t.ID,
		Kind:        t.Kind.String(),
		Caller:      t.Caller,
		Agent:       t.Agent,
		Tools:       t.Tools,
		Truncated:   t.Truncated,
		HeardSeq:    t.HeardSeq,
		StartedAt:   t.StartedAt,
		CommittedAt: t.CommittedAt,
	}
	if len(callerPCM) > 0 {
		sc.WAVPath = filepath.Join(r.Dir, base+".wav")
		if err := SaveFileAtomic(sc.WAVPath, audio.BuildWAV(callerPCM, r.SampleRate, 1, 16), 0o644); err != nil {
			return fmt.Errorf("recording: save wav: %w", err)
		}
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("recording: marshal sidecar: %w", err)
	}
	path := filepath.Join(r.Dir, base+".json")
	if err := SaveFileAtomic(path, b, 0o644); err != nil {
		return fmt.Errorf("recording: save sidecar: %w", err)
	}
	r.mu.Lock()
	r.last[sessionID] = path
	r.mu.Unlock()
	logging.Debugw("recording: turn saved", "path", path, "session.id", sessionID, "turn.id", t.ID)
	return nil
}

// Forget drops per-session bookkeeping once a session is gone.
func (r *Recorder) Forget(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.last, sessionID)
	r.mu.Unlock()
}

// FindByTurn returns the sidecar path for turnID, or "".
func (r *Recorder) FindByTurn(turnID string) string {
	if r == nil || turnID == "" {
		return ""
	}
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		logging.Warnw("recording: failed to list dir", "dir", r.Dir, "err", err)
		return ""
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.Dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			logging.Debugw("recording: failed to read sidecar while searching", "path", path, "err", err)
			continue
		}
		var sc Sidecar
		if json.Unmarshal(b, &sc) == nil && sc.TurnID == turnID {
			return path
		}
	}
	return ""
}

// MergeUpdates merges updates into the sidecar at path and rewrites it
// atomically.
func MergeUpdates(path string, updates map[string]interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("recording: read sidecar %s: %w", path, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("recording: invalid sidecar %s: %w", path, err)
	}
	for k, v := range updates {
		doc[k] = v
	}
	nb, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("recording: marshal sidecar %s: %w", path, err)
	}
	if err := SaveFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("recording: write sidecar %s: %w", path, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
