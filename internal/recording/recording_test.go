package recording

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duplex-voice-agent/internal/dialogue"
)

func readSidecar(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc
}

func TestNilRecorder(t *testing.T) {
	r := New("  ", 16000)
	assert.Nil(t, r)
	assert.NoError(t, r.SaveTurn("s", dialogue.Turn{ID: "t"}, []byte{1, 2}))
	assert.Equal(t, "", r.FindByTurn("t"))
	r.Forget("s")
}

func TestSaveTurnWritesPair(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 16000)
	now := time.Now()
	turn := dialogue.Turn{
		ID:          "turn-0001-abcdef",
		Kind:        dialogue.KindConversation,
		Caller:      "hello",
		Agent:       "Hi there.",
		StartedAt:   now.Add(-time.Second),
		CommittedAt: now,
	}
	require.NoError(t, r.SaveTurn("session-42-xyz", turn, make([]byte, 640)))

	path := r.FindByTurn(turn.ID)
	require.NotEmpty(t, path)
	doc := readSidecar(t, path)
	assert.Equal(t, "session-42-xyz", doc["session_id"])
	assert.Equal(t, "conversation", doc["kind"])
	assert.Equal(t, "hello", doc["caller"])

	wav, ok := doc["wav_path"].(string)
	require.True(t, ok)
	b, err := os.ReadFile(wav)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(b[:4]))
	assert.Len(t, b, 44+640)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestSystemTurnWithoutAudio(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 16000)
	require.NoError(t, r.SaveTurn("s1", dialogue.Turn{ID: "greet", Kind: dialogue.KindSystem, Agent: "Hello!", CommittedAt: time.Now()}, nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))
	_, has := readSidecar(t, filepath.Join(dir, entries[0].Name()))["wav_path"]
	assert.False(t, has)
}

func TestInterruptionMergesIntoPreviousTurn(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 16000)
	require.NoError(t, r.SaveTurn("s1", dialogue.Turn{ID: "t1", Kind: dialogue.KindConversation, Agent: "One two three.", CommittedAt: time.Now()}, nil))
	require.NoError(t, r.SaveTurn("s1", dialogue.Turn{ID: "t2", Kind: dialogue.KindInterruption, Agent: "One two", HeardSeq: 7, CommittedAt: time.Now()}, nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	doc := readSidecar(t, r.FindByTurn("t1"))
	assert.Equal(t, true, doc["interrupted"])
	assert.Equal(t, "One two", doc["heard"])
	assert.EqualValues(t, 7, doc["heard_seq"])
	assert.Equal(t, "One two three.", doc["agent"])
}

func TestInterruptionWithoutPriorTurnIsIgnored(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 16000)
	require.NoError(t, r.SaveTurn("s1", dialogue.Turn{ID: "t1", Kind: dialogue.KindConversation, CommittedAt: time.Now()}, nil))
	r.Forget("s1")
	require.NoError(t, r.SaveTurn("s1", dialogue.Turn{ID: "t2", Kind: dialogue.KindInterruption, Agent: "x"}, nil))
	_, has := readSidecar(t, r.FindByTurn("t1"))["interrupted"]
	assert.False(t, has)
}

func TestMergeUpdatesRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Error(t, MergeUpdates(path, map[string]interface{}{"a": 1}))
	assert.Error(t, MergeUpdates(filepath.Join(t.TempDir(), "missing.json"), nil))
}

func writePair(t *testing.T, dir, name string, mod time.Time) {
	t.Helper()
	for _, ext := range []string{".json", ".wav"} {
		p := filepath.Join(dir, name+ext)
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
		require.NoError(t, os.Chtimes(p, mod, mod))
	}
}

func TestPruneRetentionAndMaxFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writePair(t, dir, "a", now.Add(-3*time.Hour))
	writePair(t, dir, "b", now.Add(-2*time.Hour))
	writePair(t, dir, "c", now.Add(-30*time.Minute))
	writePair(t, dir, "d", now.Add(-20*time.Minute))
	writePair(t, dir, "e", now.Add(-10*time.Minute))

	// a and b fall outside retention; c is the oldest of three left over two
	assert.Equal(t, 3, Prune(dir, time.Hour, 2, now))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"d.json", "d.wav", "e.json", "e.wav"}, names)
}

func TestPruneMissingDir(t *testing.T) {
	assert.Equal(t, 0, Prune(filepath.Join(t.TempDir(), "nope"), time.Hour, 1, time.Now()))
}

func TestStartCleanerStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "old", time.Now().Add(-48*time.Hour))

	var wg sync.WaitGroup
	wg.Add(1)
	ctx, cancel := context.WithCancel(t.Context())
	StartCleaner(ctx, &wg, dir, time.Hour, 10*time.Millisecond, 0)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "old.json"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}
