package dialogue

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolSpec describes a callable tool to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Render builds the full ordered prompt: system prompt, every committed
// turn, then the new caller transcript. Nothing is summarized. An
// interruption is folded into the reply it cut off, so the model sees only
// what the caller heard of it, or nothing when the reply was discarded.
func Render(systemPrompt string, history []Turn, transcript string) []Message {
	msgs := make([]Message, 0, 2*len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	for i, t := range history {
		if t.Kind == KindInterruption && i > 0 && cutBy(history, i-1) {
			continue
		}
		if t.Caller != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: t.Caller})
		}
		if len(t.Tools) > 0 {
			calls := make([]ToolCall, 0, len(t.Tools))
			for _, ex := range t.Tools {
				calls = append(calls, ToolCall{ID: ex.CallID, Name: ex.Name, Arguments: ex.Arguments})
			}
			msgs = append(msgs, Message{Role: RoleAssistant, ToolCalls: calls})
			for _, ex := range t.Tools {
				msgs = append(msgs, Message{Role: RoleTool, ToolCallID: ex.CallID, Content: ex.Result})
			}
		}
		agent, cut := t.Agent, t.Kind == KindInterruption || t.Truncated
		if cutBy(history, i) {
			next := history[i+1]
			agent, cut = next.Agent, true
			if next.Discarded {
				agent = ""
			}
		}
		if agent == "" {
			continue
		}
		if cut {
			// the caller heard only this much before cutting in
			agent += "..."
		}
		msgs = append(msgs, Message{Role: RoleAssistant, Content: agent})
	}
	if strings.TrimSpace(transcript) != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: transcript})
	}
	return msgs
}

// cutBy reports whether history[i] is a reply interrupted by the turn after it.
func cutBy(history []Turn, i int) bool {
	return i+1 < len(history) && history[i].Kind != KindInterruption && history[i+1].Kind == KindInterruption
}
