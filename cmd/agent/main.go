package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/duplex-voice-agent/internal/codec"
	"github.com/duplex-voice-agent/internal/config"
	"github.com/duplex-voice-agent/internal/logging"
	"github.com/duplex-voice-agent/internal/mcp"
	"github.com/duplex-voice-agent/internal/metrics"
	"github.com/duplex-voice-agent/internal/recording"
	"github.com/duplex-voice-agent/internal/session"
)

// sensitiveKeys lists JSON keys which should never be logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny replaces values of sensitive keys in decoded JSON, in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// eventPayload renders a gateway event for debug logs, redacted and capped
// at maxBytes.
func eventPayload(evt *discordgo.Event, maxBytes int) string {
	var v any
	if err := json.Unmarshal(evt.RawData, &v); err != nil {
		return "<raw data omitted>"
	}
	b, err := json.Marshal(redactAny(v))
	if err != nil {
		return "<unencodable>"
	}
	if maxBytes > 0 && len(b) > maxBytes {
		return fmt.Sprintf("%s<truncated %d bytes>", b[:maxBytes], len(b))
	}
	return string(b)
}

func main() {
	sugar := logging.Init()
	defer logging.Sync()

	cfg, err := config.Load(os.Getenv("AGENT_CONFIG"))
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		sugar.Fatalf("config invalid: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New("voice_agent")
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Warnw("metrics server failed", "addr", cfg.Metrics.Addr, "err", err)
		}
	}()

	var wg sync.WaitGroup
	opts := []session.ManagerOption{session.WithMetrics(met)}
	if rec := recording.New(cfg.Recording.Dir, cfg.Audio.SampleRate); rec != nil {
		wg.Add(1)
		recording.StartCleaner(ctx, &wg, cfg.Recording.Dir, cfg.Recording.Retention, cfg.Recording.Interval, cfg.Recording.MaxFiles)
		opts = append(opts, session.WithRecorder(rec))
		sugar.Infow("recording turns", "dir", cfg.Recording.Dir)
	}
	if tools := connectTools(ctx, cfg.Tools); tools != nil {
		defer tools.Close()
		opts = append(opts, session.WithTools(tools))
	}
	manager := session.NewManager(opts...)

	if _, err := codec.NewDecoder(); err != nil {
		sugar.Fatalf("opus codec: %v (build with -tags opus)", err)
	}

	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		sugar.Fatal("DISCORD_BOT_TOKEN required")
	}
	guildID := os.Getenv("GUILD_ID")
	channelID := os.Getenv("VOICE_CHANNEL_ID")
	if guildID == "" || channelID == "" {
		sugar.Fatal("GUILD_ID and VOICE_CHANNEL_ID required")
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.AddHandler(func(s *discordgo.Session, evt *discordgo.Event) {
		logging.Debugw("discord event", "type", evt.Type, "payload", eventPayload(evt, 2048))
	})
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	sugar.Infow("discord session opened")

	for ctx.Err() == nil {
		if err := runCall(ctx, dg, manager, cfg, guildID, channelID); err != nil {
			sugar.Warnw("call ended with error", "err", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}

	sugar.Infow("shutdown signal received, closing resources")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("session shutdown incomplete", "err", err)
	}
	_ = srv.Shutdown(shutdownCtx)
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}
	wg.Wait()
	sugar.Info("shutdown complete")
}

// connectTools returns nil when no tool server is configured or reachable;
// the agent then runs with end_call only.
func connectTools(ctx context.Context, cfg config.ToolsConfig) *mcp.Client {
	u, command := strings.TrimSpace(cfg.MCPURL), strings.TrimSpace(cfg.Command)
	if u == "" && command == "" {
		return nil
	}
	tools := mcp.NewClient("voice-agent", "v0.1.0")
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var err error
	if u != "" {
		err = tools.ConnectWebSocket(cctx, u)
	} else {
		err = tools.ConnectCommand(cctx, command, cfg.Args, nil)
	}
	if err != nil {
		logging.Warnw("mcp tools unavailable; continuing without them", "url", u, "command", command, "err", err)
		return nil
	}
	return tools
}

// runCall joins the voice channel, runs one session until it ends and
// leaves again.
func runCall(ctx context.Context, dg *discordgo.Session, manager *session.Manager, cfg config.Config, guildID, channelID string) error {
	dec, err := codec.NewDecoder()
	if err != nil {
		return err
	}
	enc, err := codec.NewEncoder()
	if err != nil {
		return err
	}

	logging.Infow("joining voice channel", "guild", guildID, "channel", channelID)
	vc, err := dg.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join: %w", err)
	}
	defer func() {
		if err := vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect error", "err", err)
		}
	}()
	callers := newCallerDirectory(discordLookup(dg))
	vc.AddHandler(func(v *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		logging.Debugw("voice speaking update", "user", su.UserID, "ssrc", su.SSRC, "speaking", su.Speaking)
		callers.observe(su)
	})
	if err := vc.Speaking(true); err != nil {
		logging.Warnw("voice speaking flag not set", "err", err)
	}

	sess, err := manager.Create(ctx, session.Options{ID: "discord-" + channelID + "-" + time.Now().UTC().Format("150405"), Config: cfg})
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := &bridge{
		dec:        dec,
		enc:        enc,
		frameBytes: cfg.Audio.FrameBytes(),
		tick:       cfg.Audio.FrameDuration,
		jitter:     10,
		callers:    callers,
	}
	go b.pumpOutbound(callCtx, sess.Outbound(), vc.OpusSend)
	go func() {
		if err := b.pumpInbound(callCtx, vc.OpusRecv, sess); err != nil && callCtx.Err() == nil {
			logging.Warnw("inbound audio stopped", "session.id", sess.ID, "err", err)
		}
	}()

	select {
	case <-sess.Done():
	case <-ctx.Done():
		_ = manager.Teardown(sess.ID, session.ReasonShutdown)
	}
	logging.Infow("call finished", "session.id", sess.ID, "reason", sess.Reason(), "turns", len(sess.History()))
	if sess.Reason() == session.ReasonCallEnded {
		return nil
	}
	return sess.Err()
}
