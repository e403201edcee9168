package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Truncation policies applied when the caller interrupts a reply.
const (
	TruncateDiscard = "discard"
	TruncatePartial = "partial"
)

// Config is the static, per-process configuration. Every session is built
// from one immutable copy.
type Config struct {
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Turn      TurnConfig      `yaml:"turn"`
	STT       STTConfig       `yaml:"stt"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
	Tools     ToolsConfig     `yaml:"tools"`
	Recording RecordingConfig `yaml:"recording"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AudioConfig struct {
	SampleRate    int           `yaml:"sample_rate"`
	FrameDuration time.Duration `yaml:"frame_duration"`
	// QueueDepth bounds each bus subscriber, in frames.
	QueueDepth int `yaml:"queue_depth"`
}

// FrameBytes is the size of one mono 16-bit frame.
func (a AudioConfig) FrameBytes() int {
	return a.SampleRate * int(a.FrameDuration/time.Millisecond) / 1000 * 2
}

type VADConfig struct {
	// Threshold is normalized RMS in [0,1].
	Threshold          float64 `yaml:"threshold"`
	StartFrames        int     `yaml:"start_frames"`
	EndFrames          int     `yaml:"end_frames"`
	BargeInStartFrames int     `yaml:"barge_in_start_frames"`
}

type TurnConfig struct {
	MaxUtterance         time.Duration `yaml:"max_utterance"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	STTTimeout           time.Duration `yaml:"stt_timeout"`
	LLMFirstTokenTimeout time.Duration `yaml:"llm_first_token_timeout"`
	LLMTimeout           time.Duration `yaml:"llm_timeout"`
	TTSTimeout           time.Duration `yaml:"tts_timeout"`
	TransportGapTimeout  time.Duration `yaml:"transport_gap_timeout"`
	BargeInBudget        time.Duration `yaml:"barge_in_budget"`
	RetryBudget          int           `yaml:"retry_budget"`
	FadeFrames           int           `yaml:"fade_frames"`
	TruncationPolicy     string        `yaml:"truncation_policy"`
	ApologyText          string        `yaml:"apology_text"`
	Greeting             string        `yaml:"greeting"`
	SystemPrompt         string        `yaml:"system_prompt"`
}

type STTConfig struct {
	Provider string        `yaml:"provider"`
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Language string        `yaml:"language"`
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	Provider      string  `yaml:"provider"`
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	MaxToolRounds int     `yaml:"max_tool_rounds"`
}

type TTSConfig struct {
	Provider        string        `yaml:"provider"`
	URL             string        `yaml:"url"`
	APIKey          string        `yaml:"api_key"`
	VoiceID         string        `yaml:"voice_id"`
	Model           string        `yaml:"model"`
	Stability       float64       `yaml:"stability"`
	SimilarityBoost float64       `yaml:"similarity_boost"`
	Speed           float64       `yaml:"speed"`
	Attempts        int           `yaml:"attempts"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ToolsConfig selects the MCP tool server: a websocket URL, or a command
// started locally and spoken to over stdio. The URL wins when both are set.
type ToolsConfig struct {
	MCPURL  string   `yaml:"mcp_url"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type RecordingConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
	Interval  time.Duration `yaml:"interval"`
	MaxFiles  int           `yaml:"max_files"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration usable for a 16 kHz, 20 ms frame pipeline.
func Default() Config {
	return Config{
		Audio: AudioConfig{
			SampleRate:    16000,
			FrameDuration: 20 * time.Millisecond,
			QueueDepth:    50,
		},
		VAD: VADConfig{
			Threshold:          0.02,
			StartFrames:        3,
			EndFrames:          25,
			BargeInStartFrames: 2,
		},
		Turn: TurnConfig{
			MaxUtterance:         30 * time.Second,
			IdleTimeout:          30 * time.Second,
			STTTimeout:           3 * time.Second,
			LLMFirstTokenTimeout: 5 * time.Second,
			LLMTimeout:           20 * time.Second,
			TTSTimeout:           5 * time.Second,
			TransportGapTimeout:  5 * time.Second,
			BargeInBudget:        300 * time.Millisecond,
			RetryBudget:          3,
			FadeFrames:           2,
			TruncationPolicy:     TruncateDiscard,
			ApologyText:          "Sorry, I didn't catch that. Could you say it again?",
			SystemPrompt:         "You are a helpful voice assistant on a phone call. Keep answers short and conversational.",
		},
		STT: STTConfig{
			Provider: "deepgram",
			URL:      "wss://api.deepgram.com/v1/listen",
			Model:    "nova-3",
			Language: "en-US",
			Attempts: 3,
			Timeout:  10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			BaseURL:       "http://127.0.0.1:8000/v1",
			Model:         "gpt-4o-mini",
			MaxTokens:     512,
			Temperature:   0.7,
			MaxToolRounds: 3,
		},
		TTS: TTSConfig{
			Provider:        "elevenlabs",
			URL:             "https://api.elevenlabs.io",
			Model:           "eleven_flash_v2_5",
			Stability:       0.60,
			SimilarityBoost: 0.75,
			Speed:           0.95,
			Attempts:        2,
			Timeout:         10 * time.Second,
		},
		Recording: RecordingConfig{
			Retention: 24 * time.Hour,
			Interval:  time.Minute,
			MaxFiles:  500,
		},
		Metrics: MetricsConfig{Addr: ":9102"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FieldError names the offending configuration key.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// Validate reports every invalid field, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, msg string) { errs = append(errs, &FieldError{Field: field, Message: msg}) }

	if c.Audio.SampleRate <= 0 {
		bad("audio.sample_rate", "must be positive")
	}
	if c.Audio.FrameDuration <= 0 {
		bad("audio.frame_duration", "must be positive")
	} else if c.Audio.SampleRate > 0 && c.Audio.FrameBytes() == 0 {
		bad("audio.frame_duration", "too short for sample rate")
	}
	if c.Audio.QueueDepth <= 0 {
		bad("audio.queue_depth", "must be positive")
	}
	if c.VAD.Threshold <= 0 || c.VAD.Threshold >= 1 {
		bad("vad.threshold", "must be in (0,1)")
	}
	if c.VAD.StartFrames < 1 {
		bad("vad.start_frames", "must be >= 1")
	}
	if c.VAD.EndFrames < 1 {
		bad("vad.end_frames", "must be >= 1")
	}
	if c.VAD.BargeInStartFrames < 1 || c.VAD.BargeInStartFrames > c.VAD.StartFrames {
		bad("vad.barge_in_start_frames", "must be in [1, start_frames]")
	}
	for field, d := range map[string]time.Duration{
		"turn.max_utterance":           c.Turn.MaxUtterance,
		"turn.idle_timeout":            c.Turn.IdleTimeout,
		"turn.stt_timeout":             c.Turn.STTTimeout,
		"turn.llm_first_token_timeout": c.Turn.LLMFirstTokenTimeout,
		"turn.llm_timeout":             c.Turn.LLMTimeout,
		"turn.tts_timeout":             c.Turn.TTSTimeout,
		"turn.transport_gap_timeout":   c.Turn.TransportGapTimeout,
	} {
		if d <= 0 {
			bad(field, "must be positive")
		}
	}
	if c.Turn.RetryBudget < 0 {
		bad("turn.retry_budget", "must be >= 0")
	}
	if c.Turn.FadeFrames < 0 {
		bad("turn.fade_frames", "must be >= 0")
	}
	if c.Turn.TruncationPolicy != TruncateDiscard && c.Turn.TruncationPolicy != TruncatePartial {
		bad("turn.truncation_policy", "must be discard or partial")
	}
	if strings.TrimSpace(c.Turn.ApologyText) == "" {
		bad("turn.apology_text", "required")
	}
	switch c.STT.Provider {
	case "deepgram", "http":
	default:
		bad("stt.provider", "must be deepgram or http")
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		bad("llm.provider", "must be openai or gemini")
	}
	if c.LLM.MaxToolRounds < 0 {
		bad("llm.max_tool_rounds", "must be >= 0")
	}
	switch c.TTS.Provider {
	case "http", "elevenlabs":
	default:
		bad("tts.provider", "must be http or elevenlabs")
	}
	return errors.Join(errs...)
}
