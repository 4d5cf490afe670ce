package contextmgr

import (
	"strings"
	"testing"

	"streamagent/internal/chat"
)

func TestHeuristicTokenizerCountsText(t *testing.T) {
	tok := NewHeuristicTokenizer()
	if tok.IsPrecise() {
		t.Fatal("heuristic tokenizer should not be precise")
	}
	if tok.CountText("") != 0 {
		t.Fatal("empty text should return 0")
	}
	if got := tok.CountText("Hello world"); got <= 0 {
		t.Fatalf("CountText = %d, want > 0", got)
	}
	// CJK 文本按字计数更重
	ascii, cjk := tok.CountText("abcd"), tok.CountText("你好世界")
	if cjk <= ascii {
		t.Fatalf("CJK should cost more: ascii=%d cjk=%d", ascii, cjk)
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		{"gpt-4", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"GPT-4.1", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"qwen2.5-coder-32b-instruct", "cl100k_base"},
		{"", "cl100k_base"},
		{"unknown-model", "cl100k_base"},
	}
	for _, tt := range tests {
		if got := modelToEncoding(tt.model); got != tt.expected {
			t.Errorf("modelToEncoding(%q) = %q, want %q", tt.model, got, tt.expected)
		}
	}
}

func TestCountHistoryIncludesCallsAndResponses(t *testing.T) {
	tok := NewHeuristicTokenizer()
	user := chat.Content{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hello world")}}
	call := chat.Content{Role: chat.RoleModel, Parts: []chat.Part{{
		FunctionCall: &chat.FunctionCall{Name: "glob", Args: map[string]any{"pattern": "*.go"}},
	}}}
	resp := chat.Content{Role: chat.RoleUser, Parts: []chat.Part{{
		FunctionResponse: &chat.FunctionResponse{Name: "glob", Response: map[string]any{"output": strings.Repeat("main.go ", 50)}},
	}}}

	plain := tok.CountHistory([]chat.Content{user})
	withCall := tok.CountHistory([]chat.Content{user, call})
	withResp := tok.CountHistory([]chat.Content{user, call, resp})
	if plain <= contentOverhead || withCall <= plain || withResp <= withCall+callOverhead {
		t.Fatalf("CountHistory plain=%d withCall=%d withResp=%d", plain, withCall, withResp)
	}
	if tok.CountHistory(nil) != 0 {
		t.Fatal("empty history should count 0")
	}
}

func TestHeuristicTokenCount(t *testing.T) {
	tests := []struct {
		input string
		want  func(int) bool
	}{
		{"Hello world, this is a test.", func(n int) bool { return n > 0 }},
		{"你好世界，这是一个测试。", func(n int) bool { return n >= 12 }},
		{"a", func(n int) bool { return n == 1 }},
		{"", func(n int) bool { return n == 0 }},
	}
	for _, tt := range tests {
		if got := heuristicTokenCount(tt.input); !tt.want(got) {
			t.Errorf("heuristicTokenCount(%q) = %d", tt.input, got)
		}
	}
}
