package client

import "streamagent/internal/chat"

// Event is one item of a model response stream.
type Event interface {
	isEvent()
}

// ThoughtEvent carries the model's current reasoning headline.
type ThoughtEvent struct {
	Subject     string
	Description string
}

// ContentEvent is a chunk of response text.
type ContentEvent struct {
	Text string
}

// ToolCallRequestEvent asks for a tool invocation.
type ToolCallRequestEvent struct {
	Request chat.ToolCallRequest
}

// UserCancelledEvent is emitted when the stream's context was cancelled.
type UserCancelledEvent struct{}

// ErrorEvent reports a failed request. The stream ends after it.
type ErrorEvent struct {
	Err error
}

// ChatCompressedEvent reports that history was compressed before sending.
type ChatCompressedEvent struct {
	Info CompressionInfo
}

// UsageMetadataEvent reports token usage of the response.
type UsageMetadataEvent struct {
	Usage chat.UsageMetadata
}

func (ThoughtEvent) isEvent()         {}
func (ContentEvent) isEvent()         {}
func (ToolCallRequestEvent) isEvent() {}
func (UserCancelledEvent) isEvent()   {}
func (ErrorEvent) isEvent()           {}
func (ChatCompressedEvent) isEvent()  {}
func (UsageMetadataEvent) isEvent()   {}

// CompressionInfo is the token count before and after compression.
type CompressionInfo struct {
	OriginalTokens int
	NewTokens      int
}
