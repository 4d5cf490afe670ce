package contextmgr

import (
	"encoding/json"
	"strings"
	"sync"

	"streamagent/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Per-entry overheads added on top of the encoded text.
const (
	contentOverhead = 4
	callOverhead    = 8
)

// Tokenizer 估算模型历史的 token 数：优先 tiktoken，离线时回退到启发式
// Tokenizer sizes model history for compression decisions. It uses a BPE
// encoding when one can be loaded and a character heuristic otherwise.
type Tokenizer struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

// NewTokenizerForModel picks the BPE encoding for model. Loading the
// encoding may need network access; failure leaves the heuristic in place.
func NewTokenizerForModel(model string) *Tokenizer {
	enc, err := tiktoken.GetEncoding(modelToEncoding(model))
	if err != nil {
		return &Tokenizer{}
	}
	return &Tokenizer{encoder: enc}
}

// NewHeuristicTokenizer never loads BPE data.
func NewHeuristicTokenizer() *Tokenizer {
	return &Tokenizer{}
}

// IsPrecise reports whether a BPE encoding is loaded.
func (t *Tokenizer) IsPrecise() bool {
	return t.encoder != nil
}

// CountHistory 按条目累加；函数调用与响应按 JSON 编码计数
// CountHistory sums all entries. Function calls and responses are counted
// as their JSON encoding plus the function name.
func (t *Tokenizer) CountHistory(history []chat.Content) int {
	total := 0
	for _, c := range history {
		total += contentOverhead
		for _, p := range c.Parts {
			total += t.countPart(p)
		}
	}
	return total
}

func (t *Tokenizer) countPart(p chat.Part) int {
	n := t.CountText(p.Text)
	if fc := p.FunctionCall; fc != nil {
		n += t.countCall(fc.Name, fc.Args)
	}
	if fr := p.FunctionResponse; fr != nil {
		n += t.countCall(fr.Name, fr.Response)
	}
	return n
}

func (t *Tokenizer) countCall(name string, payload any) int {
	raw, _ := json.Marshal(payload)
	return t.CountText(name) + t.CountText(string(raw)) + callOverhead
}

// CountText counts tokens of one string.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.encoder == nil {
		return heuristicTokenCount(text)
	}
	// Encode shares internal caches and is not safe for concurrent use.
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// heuristicTokenCount: CJK runes cost about 1.5 tokens, other runes about
// a quarter of one.
func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	var wide, narrow int
	for _, r := range text {
		if isCJK(r) {
			wide++
		} else {
			narrow++
		}
	}
	return max(int(float64(wide)*1.5+float64(narrow)*0.25), 1)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols
		(r >= 0xFF00 && r <= 0xFFEF) || // Fullwidth Forms
		(r >= 0xAC00 && r <= 0xD7AF) // Hangul
}

// o200kPrefixes are model families encoded with o200k_base; everything else
// is sized with cl100k_base.
var o200kPrefixes = []string{"o1", "o3", "o4", "gpt-4o", "chatgpt-4o", "gpt-4.1", "gpt-5"}

func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range o200kPrefixes {
		if strings.HasPrefix(m, prefix) {
			return "o200k_base"
		}
	}
	return "cl100k_base"
}
