package dialogue

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini streams text replies from the Gemini API. It does not offer tools
// to the model; tool results already in the history are passed as text.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini client: %v", ErrPermanent, err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Gemini{client: client, model: model}, nil
}

// geminiContents maps the rendered prompt onto Gemini roles. System messages
// become the system instruction.
func geminiContents(msgs []Message) (system *genai.Content, contents []*genai.Content) {
	var sys []string
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			sys = append(sys, m.Content)
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			if m.Content != "" {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			}
		case RoleTool:
			contents = append(contents, genai.NewContentFromText("Tool result: "+m.Content, genai.RoleUser))
		}
	}
	if len(sys) > 0 {
		system = genai.NewContentFromText(strings.Join(sys, "\n\n"), genai.RoleUser)
	}
	return system, contents
}

func (g *Gemini) Stream(ctx context.Context, req Request, emit func(string) error) (Completion, error) {
	system, contents := geminiContents(req.Messages)
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var text strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			if ctx.Err() != nil {
				return Completion{}, ctx.Err()
			}
			return Completion{}, fmt.Errorf("%w: gemini: %v", ErrTransient, err)
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if err := emit(chunk); err != nil {
			return Completion{}, err
		}
	}
	return Completion{Text: text.String(), Model: g.model}, nil
}
