package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/duplex-voice-agent/internal/logging"
)

// ApplyEnv overlays environment variables on c. Unset or malformed values
// leave the current setting in place.
func (c *Config) ApplyEnv() {
	envString("STT_PROVIDER", &c.STT.Provider)
	envString("STT_URL", &c.STT.URL)
	envString("DEEPGRAM_API_KEY", &c.STT.APIKey)
	envString("STT_MODEL", &c.STT.Model)
	envString("STT_LANGUAGE", &c.STT.Language)

	envString("LLM_PROVIDER", &c.LLM.Provider)
	envString("OPENAI_BASE_URL", &c.LLM.BaseURL)
	envString("OPENAI_API_KEY", &c.LLM.APIKey)
	envString("OPENAI_MODEL", &c.LLM.Model)
	envString("OPENAI_FALLBACK_MODEL", &c.LLM.FallbackModel)
	envInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	if c.LLM.Provider == "gemini" {
		envString("GEMINI_API_KEY", &c.LLM.APIKey)
		envString("GEMINI_MODEL", &c.LLM.Model)
	}

	envString("TTS_PROVIDER", &c.TTS.Provider)
	envString("TTS_URL", &c.TTS.URL)
	envString("TTS_AUTH_TOKEN", &c.TTS.APIKey)
	envString("ELEVENLABS_API_KEY", &c.TTS.APIKey)
	envString("ELEVENLABS_VOICE_ID", &c.TTS.VoiceID)

	envFloat("VAD_THRESHOLD", &c.VAD.Threshold)
	envInt("VAD_START_FRAMES", &c.VAD.StartFrames)
	envInt("VAD_END_FRAMES", &c.VAD.EndFrames)
	envInt("VAD_BARGE_IN_FRAMES", &c.VAD.BargeInStartFrames)

	envMillis("IDLE_TIMEOUT_MS", &c.Turn.IdleTimeout)
	envMillis("MAX_UTTERANCE_MS", &c.Turn.MaxUtterance)
	envMillis("STT_TIMEOUT_MS", &c.Turn.STTTimeout)
	envMillis("LLM_TIMEOUT_MS", &c.Turn.LLMTimeout)
	envMillis("TTS_TIMEOUT_MS", &c.Turn.TTSTimeout)
	envInt("RETRY_BUDGET", &c.Turn.RetryBudget)
	envString("TRUNCATION_POLICY", &c.Turn.TruncationPolicy)
	envString("SYSTEM_PROMPT", &c.Turn.SystemPrompt)
	envString("GREETING", &c.Turn.Greeting)

	envString("MCP_URL", &c.Tools.MCPURL)
	envString("MCP_COMMAND", &c.Tools.Command)
	envString("METRICS_ADDR", &c.Metrics.Addr)

	if strings.ToLower(strings.TrimSpace(os.Getenv("SAVE_AUDIO_ENABLED"))) == "true" {
		envString("SAVE_AUDIO_DIR", &c.Recording.Dir)
	}
	envInt("SAVE_AUDIO_MAX_FILES", &c.Recording.MaxFiles)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warnw("config: ignoring invalid integer", "key", key, "value", v)
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logging.Warnw("config: ignoring invalid float", "key", key, "value", v)
		return
	}
	*dst = f
}

func envMillis(key string, dst *time.Duration) {
	var ms int
	envInt(key, &ms)
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
