package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"streamagent/internal/chat"
)

// CompactionStrategy 上下文压缩策略接口
// CompactionStrategy defines the context compaction interface
type CompactionStrategy interface {
	// Summarize 生成历史的摘要
	// Summarize generates a summary of the history
	Summarize(ctx context.Context, history []chat.Content) (string, error)
}

// LLMSummarizer 使用 LLM 进行摘要的函数类型
// LLMSummarizer is a function that calls an LLM for summarization
type LLMSummarizer func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// LLMCompaction 使用 LLM 生成摘要的策略
// LLMCompaction uses LLM to generate summaries
type LLMCompaction struct {
	summarize LLMSummarizer
}

// NewLLMCompaction 创建 LLM compaction 策略
// NewLLMCompaction creates an LLM compaction strategy
func NewLLMCompaction(summarize LLMSummarizer) *LLMCompaction {
	return &LLMCompaction{summarize: summarize}
}

const summarySystemPrompt = `You are a precise summarizer for an AI coding assistant conversation.
Summarize the conversation preserving:
1. Current objective and task description
2. Files modified, created, or read (with paths)
3. Key decisions and changes made
4. Pending issues or risks
5. Next actionable steps

Be concise but complete. Output plain text, no markdown formatting.
Respond in the same language as the conversation content.`

// SummaryAck 压缩后紧随摘要的模型确认语
// SummaryAck is the model turn placed after the summary
const SummaryAck = "Got it. Thanks for the additional context!"

func (c *LLMCompaction) Summarize(ctx context.Context, history []chat.Content) (string, error) {
	if c.summarize == nil {
		return "", fmt.Errorf("LLM summarizer not configured")
	}

	userPrompt := buildSummaryInput(history)
	if strings.TrimSpace(userPrompt) == "" {
		return "", fmt.Errorf("no content to summarize")
	}

	summary, err := c.summarize(ctx, summarySystemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("LLM summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// RegexCompaction 本地正则提取策略，无需网络
// RegexCompaction extracts a summary locally without a model call
type RegexCompaction struct{}

func (c *RegexCompaction) Summarize(_ context.Context, history []chat.Content) (string, error) {
	summary := summarizeHistory(history)
	if strings.TrimSpace(summary) == "" {
		return "", fmt.Errorf("regex summarize: empty result")
	}
	return summary, nil
}

// FallbackCompaction 带回退的策略: 先 LLM，失败则 regex
// FallbackCompaction tries LLM first, falls back to regex
type FallbackCompaction struct {
	primary  CompactionStrategy
	fallback CompactionStrategy
}

// NewFallbackCompaction 创建带回退的 compaction 策略
// NewFallbackCompaction creates a compaction strategy with fallback
func NewFallbackCompaction(primary, fallback CompactionStrategy) *FallbackCompaction {
	return &FallbackCompaction{primary: primary, fallback: fallback}
}

func (c *FallbackCompaction) Summarize(ctx context.Context, history []chat.Content) (string, error) {
	if c.primary != nil {
		summary, err := c.primary.Summarize(ctx, history)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, nil
		}
	}
	if c.fallback != nil {
		return c.fallback.Summarize(ctx, history)
	}
	return "", fmt.Errorf("all compaction strategies failed")
}

// CompactWithStrategy 用摘要替换较早的历史，保留最近 keepRecent 条
// CompactWithStrategy replaces older history with a summary, keeping roughly
// the last keepRecent entries. The cut always lands on a user turn that is not
// a function response, so call/response pairs stay together.
func CompactWithStrategy(ctx context.Context, history []chat.Content, keepRecent int, pruneToolOutputs bool, strategy CompactionStrategy) ([]chat.Content, string, bool) {
	if keepRecent < 2 {
		keepRecent = 2
	}
	if len(history) <= keepRecent+1 {
		return history, "", false
	}

	items := cloneHistory(history)
	if pruneToolOutputs {
		for i := range items {
			for j := range items[i].Parts {
				if fr := items[i].Parts[j].FunctionResponse; fr != nil {
					fr.Response = pruneResponse(fr.Response)
				}
			}
		}
	}

	split := splitIndex(items, len(items)-keepRecent)
	if split <= 0 || split >= len(items) {
		return history, "", false
	}
	head := items[:split]
	tail := items[split:]

	var summary string
	if strategy != nil {
		s, err := strategy.Summarize(ctx, head)
		if err == nil && strings.TrimSpace(s) != "" {
			summary = s
		}
	}
	// strategy 失败时回退到内置 regex / Fallback to built-in regex
	if strings.TrimSpace(summary) == "" {
		summary = summarizeHistory(head)
	}
	if strings.TrimSpace(summary) == "" {
		return history, "", false
	}

	compacted := make([]chat.Content, 0, len(tail)+2)
	compacted = append(compacted,
		chat.Content{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("[COMPACTION_SUMMARY]\n" + summary)}},
		chat.Content{Role: chat.RoleModel, Parts: []chat.Part{chat.TextPart(SummaryAck)}},
	)
	compacted = append(compacted, tail...)
	return compacted, summary, true
}

func splitIndex(history []chat.Content, from int) int {
	for i := from; i < len(history); i++ {
		if isPlainUserTurn(history[i]) {
			return i
		}
	}
	return -1
}

func isPlainUserTurn(c chat.Content) bool {
	if c.Role != chat.RoleUser {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse != nil {
			return false
		}
	}
	return true
}

func cloneHistory(history []chat.Content) []chat.Content {
	out := make([]chat.Content, len(history))
	for i, c := range history {
		out[i] = chat.Content{Role: c.Role, Parts: make([]chat.Part, len(c.Parts))}
		for j, p := range c.Parts {
			if p.FunctionResponse != nil {
				fr := *p.FunctionResponse
				p.FunctionResponse = &fr
			}
			out[i].Parts[j] = p
		}
	}
	return out
}

func pruneResponse(resp map[string]any) map[string]any {
	out := make(map[string]any, len(resp))
	for k, v := range resp {
		if s, ok := v.(string); ok {
			if r := []rune(s); len(r) > 1200 {
				v = string(r[:1200]) + "...(truncated)"
			}
		}
		out[k] = v
	}
	return out
}

// buildSummaryInput 从历史构建摘要输入文本
// buildSummaryInput builds summarization input from history
func buildSummaryInput(history []chat.Content) string {
	var b strings.Builder
	for _, c := range history {
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				fmt.Fprintf(&b, "Tool call: %s(%s)\n", p.FunctionCall.Name, short(string(args), 100))
			case p.FunctionResponse != nil:
				out, _ := json.Marshal(p.FunctionResponse.Response)
				fmt.Fprintf(&b, "Tool result [%s]: %s\n\n", p.FunctionResponse.Name, short(string(out), 200))
			case p.Thought || strings.TrimSpace(p.Text) == "":
			case c.Role == chat.RoleUser:
				b.WriteString("User: " + short(p.Text, 500) + "\n\n")
			default:
				b.WriteString("Assistant: " + short(p.Text, 300) + "\n\n")
			}
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "Conversation to summarize:\n\n" + b.String()
}

var pathPattern = regexp.MustCompile(`([A-Za-z0-9_./-]+\.[A-Za-z0-9_]+)`)

func summarizeHistory(history []chat.Content) string {
	objective := ""
	files := map[string]struct{}{}
	risks := map[string]struct{}{}
	steps := []string{}

	for _, c := range history {
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				if fp, ok := p.FunctionCall.Args["file_path"].(string); ok && fp != "" {
					files[fp] = struct{}{}
				}
			case p.FunctionResponse != nil:
				raw, _ := json.Marshal(p.FunctionResponse.Response)
				text := string(raw)
				if _, failed := p.FunctionResponse.Response["error"]; failed {
					risks[short(p.FunctionResponse.Name+": "+text, 120)] = struct{}{}
				}
				for _, hit := range pathPattern.FindAllString(text, -1) {
					files[hit] = struct{}{}
				}
			case c.Role == chat.RoleUser && strings.TrimSpace(p.Text) != "":
				if objective == "" {
					objective = strings.TrimSpace(p.Text)
				}
				steps = append(steps, short(p.Text, 140))
			case c.Role == chat.RoleModel && strings.Contains(strings.ToLower(p.Text), "next"):
				steps = append(steps, short(p.Text, 140))
			}
		}
	}
	if objective == "" {
		objective = "continue current task"
	}

	fileList := mapKeys(files, 8)
	riskList := mapKeys(risks, 5)
	stepList := uniqueStrings(steps, 4)

	var b strings.Builder
	b.WriteString("- current objective: ")
	b.WriteString(short(objective, 300))
	b.WriteString("\n- files touched: ")
	if len(fileList) == 0 {
		b.WriteString("(none captured)")
	} else {
		b.WriteString(strings.Join(fileList, ", "))
	}
	b.WriteString("\n- pending risks: ")
	if len(riskList) == 0 {
		b.WriteString("(none captured)")
	} else {
		b.WriteString(strings.Join(riskList, " | "))
	}
	b.WriteString("\n- next actionable steps: ")
	if len(stepList) == 0 {
		b.WriteString("continue from latest user request")
	} else {
		b.WriteString(strings.Join(stepList, " -> "))
	}
	return b.String()
}

func mapKeys(m map[string]struct{}, limit int) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func uniqueStrings(items []string, limit int) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func short(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "..."
}
