package client

import (
	"encoding/json"
	"log/slog"
	"strings"

	"streamagent/internal/chat"
)

// toMessages maps model history onto the OpenAI chat wire shape. Function
// responses become one tool message each, function calls attach to the
// assistant message of the same turn.
func toMessages(system string, history []chat.Content) []chat.Message {
	out := make([]chat.Message, 0, len(history)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, chat.Message{Role: "system", Content: system})
	}
	for _, c := range history {
		switch c.Role {
		case chat.RoleModel:
			msg := chat.Message{Role: "assistant"}
			var text, reasoning strings.Builder
			for _, p := range c.Parts {
				switch {
				case p.FunctionCall != nil:
					args, err := json.Marshal(p.FunctionCall.Args)
					if err != nil || p.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
						ID:       p.FunctionCall.ID,
						Type:     "function",
						Function: chat.ToolCallFunction{Name: p.FunctionCall.Name, Arguments: string(args)},
					})
				case p.Thought:
					reasoning.WriteString(p.Text)
				default:
					text.WriteString(p.Text)
				}
			}
			msg.Content = text.String()
			msg.Reasoning = reasoning.String()
			out = append(out, msg)
		default:
			var text strings.Builder
			for _, p := range c.Parts {
				if fr := p.FunctionResponse; fr != nil {
					body, err := json.Marshal(fr.Response)
					if err != nil {
						slog.Debug("marshal function response", "name", fr.Name, "error", err)
						body = []byte("{}")
					}
					out = append(out, chat.Message{Role: "tool", Name: fr.Name, ToolCallID: fr.ID, Content: string(body)})
					continue
				}
				text.WriteString(p.Text)
			}
			if text.Len() > 0 {
				out = append(out, chat.Message{Role: "user", Content: text.String()})
			}
		}
	}
	return out
}

// toRequest turns a streamed tool call into a request. Arguments that are
// not a JSON object yield empty args so schema validation reports them.
func toRequest(tc chat.ToolCall) chat.ToolCallRequest {
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			slog.Debug("tool call arguments are not a JSON object", "tool", tc.Function.Name, "error", err)
			args = map[string]any{}
		}
	}
	return chat.ToolCallRequest{CallID: tc.ID, Name: tc.Function.Name, Args: args}
}

func cloneContent(c chat.Content) chat.Content {
	return chat.Content{Role: c.Role, Parts: append([]chat.Part(nil), c.Parts...)}
}
