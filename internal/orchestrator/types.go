// Package orchestrator runs user turns against the model and feeds tool
// results back until the conversation settles.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/client"
	"streamagent/internal/contextmgr"
	"streamagent/internal/history"
	"streamagent/internal/scheduler"
	"streamagent/internal/security"
	"streamagent/internal/stats"
	"streamagent/internal/storage"
	"streamagent/internal/tools"
)

// ErrBusy is returned when a query is submitted while a turn is in flight.
var ErrBusy = errors.New("a request is already in progress")

// StreamingState is the derived activity of the session.
type StreamingState int

const (
	StateIdle StreamingState = iota
	StateResponding
	StateWaitingForConfirmation
)

func (s StreamingState) String() string {
	switch s {
	case StateResponding:
		return "responding"
	case StateWaitingForConfirmation:
		return "waiting_for_confirmation"
	default:
		return "idle"
	}
}

// ModelClient is the conversation client the orchestrator drives.
type ModelClient interface {
	Model() string
	SendMessageStream(ctx context.Context, parts []chat.Part) (<-chan client.Event, error)
	History() []chat.Content
	AddHistory(entry chat.Content)
	Compress(ctx context.Context, force bool) (*client.CompressionInfo, error)
	Reset()
}

// MessageLog 持久化用户输入 / persists user input
type MessageLog interface {
	LogMessage(ctx context.Context, sender storage.Sender, text string) error
	PreviousMessages(ctx context.Context, limit int) ([]string, error)
}

// MemoryRefresher reloads hierarchical memory into the system instruction.
type MemoryRefresher interface {
	Refresh(ctx context.Context) (contextmgr.MemoryResult, error)
	Memory() contextmgr.MemoryResult
}

// Query is either user text or pre-built parts (tool responses).
type Query struct {
	Text  string
	Parts []chat.Part
}

func TextQuery(text string) Query { return Query{Text: text} }

func (q Query) isText() bool { return q.Parts == nil }

type SubmitOptions struct {
	// Continuation marks a resubmission of tool responses within the same turn.
	Continuation bool
}

type Options struct {
	Client ModelClient
	// Scheduler configures the tool scheduler the orchestrator owns.
	// OnAllComplete is chained after the orchestrator's own handler.
	Scheduler scheduler.Options
	Stats     *stats.Aggregator
	Log       MessageLog
	Memory    MemoryRefresher
	// Shell runs shell-mode commands; nil disables shell mode.
	Shell tools.Tool
	// Workspace confines @path inclusion; nil disables it.
	Workspace *security.Workspace
	// MaxIncludeBytes caps each file read by @path inclusion.
	MaxIncludeBytes int

	OnAuthError func(error)
	OnQuit      func()
	// StrictEvents fails a turn on unknown stream events.
	StrictEvents bool
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Stats == nil {
		o.Stats = stats.NewWithClock(o.Now)
	}
	if o.MaxIncludeBytes <= 0 {
		o.MaxIncludeBytes = defaultMaxIncludeBytes
	}
	return o
}

// PendingItems is what is shown below the committed transcript.
type PendingItems struct {
	Text      *history.Item
	ToolGroup *history.Item
}

// Items returns the non-nil pending items in display order.
func (p PendingItems) Items() []history.Item {
	var out []history.Item
	if p.Text != nil {
		out = append(out, *p.Text)
	}
	if p.ToolGroup != nil {
		out = append(out, *p.ToolGroup)
	}
	return out
}
