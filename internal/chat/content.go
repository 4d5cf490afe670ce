package chat

// Roles used in model history.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// FunctionCall is a model request to invoke a tool, as stored in history.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one element of a Content. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// Content is one turn of model history.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// MergeParts flattens several part lists into one ordered sequence.
func MergeParts(lists ...[]Part) []Part {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	out := make([]Part, 0, n)
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// ToolCallRequest is a request to invoke a tool, either from the model or
// from a local command. It is never modified after creation.
type ToolCallRequest struct {
	CallID            string         `json:"callId"`
	Name              string         `json:"name"`
	Args              map[string]any `json:"args"`
	IsClientInitiated bool           `json:"isClientInitiated"`
}

// UsageMetadata is the token accounting reported for one model response.
type UsageMetadata struct {
	PromptTokenCount        int   `json:"promptTokenCount"`
	CandidatesTokenCount    int   `json:"candidatesTokenCount"`
	TotalTokenCount         int   `json:"totalTokenCount"`
	CachedContentTokenCount int   `json:"cachedContentTokenCount"`
	ToolUsePromptTokenCount int   `json:"toolUsePromptTokenCount"`
	ThoughtsTokenCount      int   `json:"thoughtsTokenCount"`
	APITimeMS               int64 `json:"apiTimeMs"`
}
