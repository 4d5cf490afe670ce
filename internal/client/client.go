// Package client adapts a streaming provider into a model client that
// owns the conversation history and yields typed events.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/contextmgr"
	"streamagent/internal/provider"
)

// ErrUnauthorized is wrapped by errors caused by rejected credentials.
var ErrUnauthorized = errors.New("unauthorized")

// DefaultCompressionThreshold is the share of the token limit at which
// history is compressed before the next request.
const DefaultCompressionThreshold = 0.7

// Options configures a Chat.
type Options struct {
	// SystemInstruction is called for every request.
	SystemInstruction func() string
	// Tools is called for every request.
	Tools func() []chat.ToolDef

	Tokenizer            *contextmgr.Tokenizer
	TokenLimit           int
	CompressionThreshold float64
	AutoCompress         bool
	KeepRecent           int
	PruneToolOutputs     bool
	// Strategy defaults to an LLM summary with a local fallback.
	Strategy contextmgr.CompactionStrategy
}

// Chat is the model client for one session.
type Chat struct {
	provider provider.Provider
	opts     Options

	mu      sync.Mutex
	history []chat.Content
}

// New returns a Chat with empty history.
func New(p provider.Provider, opts Options) *Chat {
	if opts.Tokenizer == nil {
		opts.Tokenizer = contextmgr.NewTokenizerForModel(p.CurrentModel())
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = DefaultCompressionThreshold
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = 6
	}
	c := &Chat{provider: p, opts: opts}
	if c.opts.Strategy == nil {
		c.opts.Strategy = contextmgr.NewFallbackCompaction(contextmgr.NewLLMCompaction(c.summarize), &contextmgr.RegexCompaction{})
	}
	return c
}

// Model is the active model name.
func (c *Chat) Model() string { return c.provider.CurrentModel() }

// History returns a copy of the conversation history.
func (c *Chat) History() []chat.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Content, len(c.history))
	for i, h := range c.history {
		out[i] = cloneContent(h)
	}
	return out
}

// AddHistory appends entry to the history without contacting the model.
func (c *Chat) AddHistory(entry chat.Content) {
	c.mu.Lock()
	c.history = append(c.history, cloneContent(entry))
	c.mu.Unlock()
}

// SetHistory replaces the history.
func (c *Chat) SetHistory(history []chat.Content) {
	c.mu.Lock()
	c.history = make([]chat.Content, len(history))
	for i, h := range history {
		c.history[i] = cloneContent(h)
	}
	c.mu.Unlock()
}

// Reset clears the history.
func (c *Chat) Reset() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// Compress summarizes older history when it is above the configured token
// threshold, or unconditionally when force is set. It returns nil info when
// nothing changed.
func (c *Chat) Compress(ctx context.Context, force bool) (*CompressionInfo, error) {
	history := c.History()
	if len(history) == 0 {
		return nil, nil
	}
	original := c.opts.Tokenizer.CountHistory(history)
	if !force {
		if c.opts.TokenLimit <= 0 || float64(original) < c.opts.CompressionThreshold*float64(c.opts.TokenLimit) {
			return nil, nil
		}
	}

	compacted, _, changed := contextmgr.CompactWithStrategy(ctx, history, c.opts.KeepRecent, c.opts.PruneToolOutputs, c.opts.Strategy)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	c.SetHistory(compacted)
	info := &CompressionInfo{OriginalTokens: original, NewTokens: c.opts.Tokenizer.CountHistory(compacted)}
	slog.Debug("chat compressed", "from", info.OriginalTokens, "to", info.NewTokens)
	return info, nil
}

func (c *Chat) summarize(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.provider.Chat(ctx, provider.ChatRequest{
		Messages: []chat.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// SendMessageStream sends parts as a user turn and streams the response.
// The channel is closed after the last event. When ctx is cancelled the
// stream ends with a UserCancelledEvent. On success the user turn and the
// model turn are appended to history.
func (c *Chat) SendMessageStream(ctx context.Context, parts []chat.Part) (<-chan Event, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("send message: no parts")
	}
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if c.opts.AutoCompress {
			info, err := c.Compress(ctx, false)
			if err != nil && ctx.Err() == nil {
				slog.Warn("chat compression failed", "error", err)
			}
			if info != nil && !send(ChatCompressedEvent{Info: *info}) {
				out <- UserCancelledEvent{}
				return
			}
		}

		userTurn := chat.Content{Role: chat.RoleUser, Parts: append([]chat.Part(nil), parts...)}
		history := append(c.History(), userTurn)
		req := provider.ChatRequest{Messages: toMessages(c.systemInstruction(), history)}
		if c.opts.Tools != nil {
			req.Tools = c.opts.Tools()
		}

		var reasoning strings.Builder
		var lastThought ThoughtEvent
		started := time.Now()
		resp, err := c.provider.Chat(ctx, req, &provider.StreamCallbacks{
			OnTextChunk: func(chunk string) {
				send(ContentEvent{Text: chunk})
			},
			OnReasoningChunk: func(chunk string) {
				reasoning.WriteString(chunk)
				if th, ok := parseThought(reasoning.String()); ok && th != lastThought {
					lastThought = th
					send(th)
				}
			},
		})
		if ctx.Err() != nil {
			out <- UserCancelledEvent{}
			return
		}
		if err != nil {
			if provider.IsUnauthorized(err) {
				err = fmt.Errorf("%w: %w", ErrUnauthorized, err)
			}
			send(ErrorEvent{Err: err})
			return
		}

		modelTurn := chat.Content{Role: chat.RoleModel}
		if resp.Reasoning != "" {
			modelTurn.Parts = append(modelTurn.Parts, chat.Part{Text: resp.Reasoning, Thought: true})
		}
		if resp.Content != "" {
			modelTurn.Parts = append(modelTurn.Parts, chat.TextPart(resp.Content))
		}
		for _, tc := range resp.ToolCalls {
			req := toRequest(tc)
			modelTurn.Parts = append(modelTurn.Parts, chat.Part{FunctionCall: &chat.FunctionCall{ID: req.CallID, Name: req.Name, Args: req.Args}})
			if !send(ToolCallRequestEvent{Request: req}) {
				out <- UserCancelledEvent{}
				return
			}
		}

		send(UsageMetadataEvent{Usage: chat.UsageMetadata{
			PromptTokenCount:        resp.Usage.PromptTokens,
			CandidatesTokenCount:    resp.Usage.CompletionTokens,
			TotalTokenCount:         resp.Usage.TotalTokens,
			CachedContentTokenCount: resp.Usage.CachedTokens,
			ThoughtsTokenCount:      resp.Usage.ReasoningTokens,
			APITimeMS:               time.Since(started).Milliseconds(),
		}})

		c.mu.Lock()
		c.history = append(c.history, userTurn)
		if len(modelTurn.Parts) > 0 {
			c.history = append(c.history, modelTurn)
		}
		c.mu.Unlock()
	}()
	return out, nil
}

func (c *Chat) systemInstruction() string {
	if c.opts.SystemInstruction == nil {
		return ""
	}
	return c.opts.SystemInstruction()
}
