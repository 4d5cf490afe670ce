package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamagent/internal/chat"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider 使用 go-openai SDK 的 Provider 实现
// OpenAIProvider implements Provider using the go-openai SDK
type OpenAIProvider struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	cfg        OpenAIConfig
}

// OpenAIConfig SDK provider 配置
// OpenAIConfig is the SDK provider configuration
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	TimeoutMS  int
	MaxRetries int
}

// NewOpenAIProvider 创建基于 SDK 的 provider
// NewOpenAIProvider creates an SDK-based provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = httpClient

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(config),
		httpClient: httpClient,
		model:      cfg.Model,
		cfg:        cfg,
	}
}

// CurrentModel is fixed for the provider's lifetime.
func (p *OpenAIProvider) CurrentModel() string { return p.model }

// Chat 流式请求；只有在尚未向回调输出任何内容时才会重试或回退到 SDK 路径，
// 避免重复文本
// Chat streams one request. Retries and the SDK fallback only happen while
// nothing has reached the callbacks yet, so output is never duplicated.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(150*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		acc := newStreamAccumulator(cb)
		err := p.chatStreamCompat(ctx, compatChatRequest{
			Model:         model,
			Messages:      req.Messages,
			Stream:        true,
			StreamOptions: &compatStreamOptions{IncludeUsage: true},
			Tools:         req.Tools,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			MaxTokens:     req.MaxTokens,
		}, acc)
		if err == nil {
			return acc.result(), nil
		}

		// 兼容实现在传输层失败且未输出时，回退到 SDK 实现
		// Fall back to the SDK stream when the compat path failed before output.
		var se *StatusError
		if !acc.emitted && !errors.As(err, &se) && ctx.Err() == nil {
			slog.Debug("compat stream failed, trying sdk stream", "error", err)
			sdkAcc := newStreamAccumulator(cb)
			sdkErr := p.chatStream(ctx, buildSDKRequest(model, req), sdkAcc)
			if sdkErr == nil {
				return sdkAcc.result(), nil
			}
			err, acc = sdkErr, sdkAcc
		}
		lastErr = err

		if !retryable(err) || acc.emitted {
			return ChatResponse{}, err
		}
		slog.Debug("provider chat attempt failed", "attempt", attempt+1, "error", err)
	}
	return ChatResponse{}, fmt.Errorf("provider chat failed after %d retries: %w", p.cfg.MaxRetries, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// --- OpenAI-compatible streaming (compat) ---

type compatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type compatChatRequest struct {
	Model         string               `json:"model"`
	Messages      []chat.Message       `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *compatStreamOptions `json:"stream_options,omitempty"`
	Tools         []chat.ToolDef       `json:"tools,omitempty"`
	ToolChoice    any                  `json:"tool_choice,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
}

type compatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content,omitempty"`
			Reasoning        string `json:"reasoning,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
			ToolCalls        []struct {
				Index    *int   `json:"index,omitempty"`
				ID       string `json:"id,omitempty"`
				Type     string `json:"type,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function,omitempty"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details,omitempty"`
		CompletionTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details,omitempty"`
	} `json:"usage,omitempty"`
}

func (p *OpenAIProvider) chatStreamCompat(ctx context.Context, req compatChatRequest, acc *streamAccumulator) error {
	baseURL := strings.TrimRight(strings.TrimSpace(p.cfg.BaseURL), "/")
	if baseURL == "" {
		return fmt.Errorf("base_url is empty")
	}
	if len(req.Tools) > 0 && req.ToolChoice == nil {
		req.ToolChoice = "auto"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(p.cfg.APIKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	client := p.httpClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	// SSE: each line begins with "data: {json}" or "data: [DONE]"
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk compatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Some servers interleave non-JSON lines.
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil {
				acc.finish(*choice.FinishReason)
			}
			acc.text(choice.Delta.Content)
			if choice.Delta.ReasoningContent != "" {
				acc.reason(choice.Delta.ReasoningContent)
			} else {
				acc.reason(choice.Delta.Reasoning)
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc.toolDelta(idx, tc.ID, tc.Type, tc.Function.Name, tc.Function.Arguments)
			}
		}

		if u := chunk.Usage; u != nil {
			acc.usage = Usage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
			}
			if u.PromptTokensDetails != nil {
				acc.usage.CachedTokens = u.PromptTokensDetails.CachedTokens
			}
			if u.CompletionTokensDetails != nil {
				acc.usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 已有部分输出时返回已有内容
		// Keep what has been streamed so far.
		if !acc.hasOutput() {
			return fmt.Errorf("stream scan: %w", err)
		}
	}
	return nil
}

func buildSDKRequest(model string, req ChatRequest) openai.ChatCompletionRequest {
	sdkReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertMessages(req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		sdkReq.Tools = convertTools(req.Tools)
		sdkReq.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		sdkReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		sdkReq.TopP = float32(*req.TopP)
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}
	return sdkReq
}

func (p *OpenAIProvider) chatStream(ctx context.Context, req openai.ChatCompletionRequest, acc *streamAccumulator) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("create stream: %w", mapSDKError(err))
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if acc.hasOutput() {
				return nil
			}
			return fmt.Errorf("recv stream: %w", mapSDKError(err))
		}

		for _, choice := range resp.Choices {
			acc.finish(string(choice.FinishReason))
			acc.text(choice.Delta.Content)
			acc.reason(choice.Delta.ReasoningContent)
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc.toolDelta(idx, tc.ID, string(tc.Type), tc.Function.Name, tc.Function.Arguments)
			}
		}

		// Usage (部分 provider 在最后一个 chunk 中返回)
		// Usage (some providers return it in the last chunk)
		if u := resp.Usage; u != nil {
			acc.usage = Usage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
			}
			if u.PromptTokensDetails != nil {
				acc.usage.CachedTokens = u.PromptTokensDetails.CachedTokens
			}
			if u.CompletionTokensDetails != nil {
				acc.usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
			}
		}
	}
}

// mapSDKError 将 SDK 的 HTTP 错误统一为 StatusError
// mapSDKError turns SDK HTTP errors into StatusError
func mapSDKError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: strings.TrimSpace(string(reqErr.Body))}
	}
	return err
}

// --- Message / Tool Conversion ---

func convertMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolType(tc.Type),
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []chat.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}
