package provider

import (
	"strings"

	"github.com/google/uuid"

	"streamagent/internal/chat"
)

// streamAccumulator 汇总流式分片并转发回调，兼容路径与 SDK 路径共用
// streamAccumulator folds stream deltas and forwards callbacks; shared by the
// compat and SDK paths
type streamAccumulator struct {
	cb           *StreamCallbacks
	content      strings.Builder
	reasoning    strings.Builder
	toolCalls    map[int]*toolCallAccumulator
	finishReason string
	usage        Usage
	emitted      bool
}

func newStreamAccumulator(cb *StreamCallbacks) *streamAccumulator {
	return &streamAccumulator{cb: cb, toolCalls: map[int]*toolCallAccumulator{}}
}

func (a *streamAccumulator) text(chunk string) {
	if chunk == "" {
		return
	}
	a.emitted = true
	a.content.WriteString(chunk)
	if a.cb != nil && a.cb.OnTextChunk != nil {
		a.cb.OnTextChunk(chunk)
	}
}

func (a *streamAccumulator) reason(chunk string) {
	if chunk == "" {
		return
	}
	a.emitted = true
	a.reasoning.WriteString(chunk)
	if a.cb != nil && a.cb.OnReasoningChunk != nil {
		a.cb.OnReasoningChunk(chunk)
	}
}

func (a *streamAccumulator) toolDelta(idx int, id, typ, name, args string) {
	a.emitted = true
	acc, ok := a.toolCalls[idx]
	if !ok {
		acc = &toolCallAccumulator{}
		a.toolCalls[idx] = acc
	}
	if id != "" {
		acc.id = id
	}
	if typ != "" {
		acc.typ = typ
	}
	if name != "" {
		acc.name += name
	}
	if args != "" {
		acc.args.WriteString(args)
	}
}

func (a *streamAccumulator) finish(reason string) {
	if r := strings.TrimSpace(reason); r != "" {
		a.finishReason = r
	}
}

func (a *streamAccumulator) hasOutput() bool {
	return a.content.Len() > 0 || a.reasoning.Len() > 0 || len(a.toolCalls) > 0
}

// result 组装最终响应，并在末尾触发 tool call 与 usage 回调
// result assembles the response and fires the tool-call and usage callbacks
func (a *streamAccumulator) result() ChatResponse {
	toolCalls := assembleToolCalls(a.toolCalls)
	if a.cb != nil && a.cb.OnToolCall != nil {
		for _, tc := range toolCalls {
			a.cb.OnToolCall(tc)
		}
	}
	if a.cb != nil && a.cb.OnUsage != nil {
		a.cb.OnUsage(a.usage)
	}
	return ChatResponse{
		Content:      a.content.String(),
		Reasoning:    a.reasoning.String(),
		ToolCalls:    toolCalls,
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}
}

type toolCallAccumulator struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

func assembleToolCalls(byIdx map[int]*toolCallAccumulator) []chat.ToolCall {
	if len(byIdx) == 0 {
		return nil
	}
	// 按 index 排序 / Sort by index
	maxIdx := 0
	for idx := range byIdx {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	calls := make([]chat.ToolCall, 0, len(byIdx))
	for i := 0; i <= maxIdx; i++ {
		acc, ok := byIdx[i]
		if !ok {
			continue
		}
		id := strings.TrimSpace(acc.id)
		if id == "" {
			// ids key session-wide bookkeeping, so fallbacks must not repeat across responses
			id = "call_" + uuid.NewString()
		}
		typ := strings.TrimSpace(acc.typ)
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, chat.ToolCall{
			ID:   id,
			Type: typ,
			Function: chat.ToolCallFunction{
				Name:      strings.TrimSpace(acc.name),
				Arguments: acc.args.String(),
			},
		})
	}
	return calls
}
