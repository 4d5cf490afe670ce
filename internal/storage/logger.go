package storage

import (
	"context"
	"strings"
	"sync"
)

// Logger 把一个会话的用户输入追加到持久化消息日志
// Logger appends the user input of one session to the persistent message log.
type Logger struct {
	store     Store
	sessionID string

	mu   sync.Mutex
	next int
}

func NewLogger(store Store, sessionID string) *Logger {
	return &Logger{store: store, sessionID: sessionID}
}

func (l *Logger) SessionID() string { return l.sessionID }

// LogMessage records one message. Blank text is ignored.
func (l *Logger) LogMessage(ctx context.Context, sender Sender, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	l.mu.Lock()
	id := l.next
	l.next++
	l.mu.Unlock()
	return l.store.AppendLog(ctx, LogEntry{
		SessionID: l.sessionID,
		MessageID: id,
		Sender:    sender,
		Text:      text,
	})
}

// PreviousMessages returns logged user messages from every session,
// newest first, with consecutive duplicates collapsed.
func (l *Logger) PreviousMessages(ctx context.Context, limit int) ([]string, error) {
	texts, err := l.store.UserMessages(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if len(out) > 0 && t == out[len(out)-1] {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
