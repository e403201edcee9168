package dialogue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/duplex-voice-agent/internal/logging"
)

// OpenAIConfig targets any OpenAI-compatible /chat/completions endpoint.
type OpenAIConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	HTTP          *http.Client
}

// OpenAI streams chat completions over server-sent events.
type OpenAI struct {
	cfg OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8000/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	return &OpenAI{cfg: cfg}
}

// Stream calls the primary model. A transient failure before any text was
// emitted is retried once against the fallback model.
func (c *OpenAI) Stream(ctx context.Context, req Request, emit func(string) error) (Completion, error) {
	emitted := false
	track := func(s string) error {
		emitted = true
		return emit(s)
	}
	comp, err := c.stream(ctx, c.cfg.Model, req, track)
	if err == nil || emitted || !isTransient(err) || c.cfg.FallbackModel == "" || c.cfg.FallbackModel == c.cfg.Model {
		return comp, err
	}
	logging.Warnw("llm: primary model failed, trying fallback", "model", c.cfg.Model, "fallback", c.cfg.FallbackModel, "err", err)
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}
	return c.stream(ctx, c.cfg.FallbackModel, req, emit)
}

func isTransient(err error) bool { return errors.Is(err, ErrTransient) }

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func toWire(req Request, model string) map[string]interface{} {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for i, tc := range m.ToolCalls {
			w := wireToolCall{Index: i, ID: tc.ID, Type: "function"}
			w.Function.Name = tc.Name
			w.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, w)
		}
		msgs = append(msgs, wm)
	}
	payload := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   true,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var wt wireTool
			wt.Type = "function"
			wt.Function.Name = t.Name
			wt.Function.Description = t.Description
			wt.Function.Parameters = t.Parameters
			tools = append(tools, wt)
		}
		payload["tools"] = tools
	}
	return payload
}

func (c *OpenAI) stream(ctx context.Context, model string, req Request, emit func(string) error) (Completion, error) {
	body, err := json.Marshal(toWire(req, model))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			return Completion{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
		}
		return Completion{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}

	var text strings.Builder
	calls := map[int]*ToolCall{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Completion{}, fmt.Errorf("%w: decode chunk: %v", ErrTransient, err)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if err := emit(ch.Delta.Content); err != nil {
					return Completion{}, err
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				acc, ok := calls[tc.Index]
				if !ok {
					acc = &ToolCall{}
					calls[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name = tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, fmt.Errorf("%w: read stream: %v", ErrTransient, err)
	}

	comp := Completion{Text: text.String(), Model: model}
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		comp.ToolCalls = append(comp.ToolCalls, *calls[i])
	}
	return comp, nil
}
