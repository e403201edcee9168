package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

type recorder struct {
	mu      sync.Mutex
	entries []entry
}

func (r *recorder) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{level: level, msg: msg, kv: kv})
}

func (r *recorder) Infow(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *recorder) Debugw(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *recorder) Warnw(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *recorder) Errorw(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *recorder) Sync() error                          { return nil }

func TestContextFieldsAreMerged(t *testing.T) {
	rec := &recorder{}
	SetLogger(rec)
	t.Cleanup(func() { SetLogger(nil) })

	ctx := WithFields(context.Background(), SessionFields("s-1")...)
	ctx = WithFields(ctx, "turn.id", "t-9")
	WarnwCtx(ctx, "stt timeout", "elapsed_ms", 300)

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, "warn", e.level)
	assert.Equal(t, []interface{}{"session.id", "s-1", "turn.id", "t-9", "elapsed_ms", 300}, e.kv)
}

func TestNoopBeforeInit(t *testing.T) {
	SetLogger(nil)
	assert.NotPanics(t, func() {
		Infow("hello", "k", "v")
		_ = Sync()
	})
}

func TestUtteranceFieldsOmitOpenEnd(t *testing.T) {
	assert.Len(t, UtteranceFields("u", 3, 0), 4)
	assert.Len(t, UtteranceFields("u", 3, 9), 6)
}
