package recording

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duplex-voice-agent/internal/logging"
)

// StartCleaner prunes dir every interval until ctx is done. Caller must
// call wg.Add(1) first; the goroutine calls wg.Done on exit.
func StartCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := Prune(dir, retention, maxFiles, now); n > 0 {
					logging.Infow("recording: pruned old turns", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

// Prune removes sidecar/WAV pairs older than retention, then the oldest
// pairs beyond maxFiles. It returns how many pairs were removed.
func Prune(dir string, retention time.Duration, maxFiles int, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("recording: cleanup readDir failed", "dir", dir, "err", err)
		return 0
	}
	type pair struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pair
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := pair{jsonPath: jsonPath, wavPath: strings.TrimSuffix(jsonPath, ".json") + ".wav", mod: info.ModTime()}
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc Sidecar
			if json.Unmarshal(b, &sc) == nil && sc.WAVPath != "" {
				p.wavPath = sc.WAVPath
			}
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pair) {
		_ = os.Remove(p.jsonPath)
		_ = os.Remove(p.wavPath)
	}
	removed := 0
	if retention > 0 {
		cutoff := now.Add(-retention)
		for _, p := range pairs {
			if !p.mod.Before(cutoff) {
				break
			}
			remove(p)
			removed++
		}
	}
	if maxFiles > 0 {
		for _, p := range pairs[removed:] {
			if len(pairs)-removed <= maxFiles {
				break
			}
			remove(p)
			removed++
		}
	}
	return removed
}
