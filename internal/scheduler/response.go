package scheduler

import (
	"errors"
	"fmt"

	"streamagent/internal/chat"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrDenied       = errors.New("tool call denied by policy")
	ErrCancelled    = errors.New("tool call cancelled")
)

func functionResponseParts(req chat.ToolCallRequest, payload map[string]any) []chat.Part {
	return []chat.Part{{FunctionResponse: &chat.FunctionResponse{
		ID:       req.CallID,
		Name:     req.Name,
		Response: payload,
	}}}
}

func successResponse(req chat.ToolCallRequest, output, display string) *Response {
	return &Response{
		CallID:        req.CallID,
		Parts:         functionResponseParts(req, map[string]any{"output": output}),
		ResultDisplay: display,
	}
}

// errorResponse reports msg to the model; err keeps the typed cause.
func errorResponse(req chat.ToolCallRequest, msg string, err error) *Response {
	return &Response{
		CallID:        req.CallID,
		Parts:         functionResponseParts(req, map[string]any{"error": msg}),
		ResultDisplay: msg,
		Err:           err,
	}
}

func cancelledResponse(req chat.ToolCallRequest, msg string) *Response {
	return &Response{
		CallID:        req.CallID,
		Parts:         functionResponseParts(req, map[string]any{"error": msg}),
		ResultDisplay: msg,
		Err:           ErrCancelled,
	}
}

func notFoundMessage(name string) string {
	return fmt.Sprintf("Tool \"%s\" not found in registry.", name)
}
