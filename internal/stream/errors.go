package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"streamagent/internal/provider"
)

// ErrUnhandledEvent is returned in strict mode for event kinds the processor does not know.
var ErrUnhandledEvent = errors.New("unhandled stream event")

const quotaHint = "Possible quota limitations in place or slow response times detected. Please wait a moment and try again."

// FormatAPIError 把模型请求错误渲染成一条 transcript 文本。
// FormatAPIError renders a model request failure as one transcript line.
func FormatAPIError(err error) string {
	if err == nil {
		return ""
	}
	var se *provider.StatusError
	if !errors.As(err, &se) {
		return fmt.Sprintf("[API Error: %s]", err.Error())
	}
	msg := bodyMessage(se.Body)
	if msg == "" {
		msg = http.StatusText(se.StatusCode)
	}
	text := fmt.Sprintf("[API Error: %s (Status: %d)]", msg, se.StatusCode)
	if se.StatusCode == http.StatusTooManyRequests {
		text += "\n" + quotaHint
	}
	return text
}

// bodyMessage extracts error.message from an OpenAI-style JSON body, or
// returns the trimmed body.
func bodyMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return body
}
