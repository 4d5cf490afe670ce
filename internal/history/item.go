// Package history holds the committed transcript shown to the user.
package history

import (
	"time"

	"streamagent/internal/chat"
)

// Kind discriminates transcript items.
type Kind string

const (
	KindUser              Kind = "user"
	KindUserShell         Kind = "user_shell"
	KindModelText         Kind = "model_text"
	KindModelTextChunk    Kind = "model_text_chunk"
	KindInfo              Kind = "info"
	KindError             Kind = "error"
	KindToolGroup         Kind = "tool_group"
	KindCompressionNotice Kind = "compression_notice"
	KindStatsSnapshot     Kind = "stats_snapshot"
	KindSessionSummary    Kind = "session_summary"
)

// IsModelText reports whether k carries streamed model text.
func (k Kind) IsModelText() bool {
	return k == KindModelText || k == KindModelTextChunk
}

// ToolStatus is the display status of one tool call.
type ToolStatus string

const (
	ToolPending    ToolStatus = "Pending"
	ToolConfirming ToolStatus = "Confirming"
	ToolExecuting  ToolStatus = "Executing"
	ToolSuccess    ToolStatus = "Success"
	ToolCanceled   ToolStatus = "Canceled"
	ToolError      ToolStatus = "Error"
)

// Confirmation is what the user is asked to approve.
type Confirmation struct {
	Kind        string `json:"kind"` // edit | exec | info
	Title       string `json:"title"`
	FileName    string `json:"fileName,omitempty"`
	FileDiff    string `json:"fileDiff,omitempty"`
	Command     string `json:"command,omitempty"`
	RootCommand string `json:"rootCommand,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// ToolDisplay is the rendering projection of a tracked tool call.
type ToolDisplay struct {
	CallID                 string        `json:"callId"`
	Name                   string        `json:"name"`
	Description            string        `json:"description"`
	Status                 ToolStatus    `json:"status"`
	ResultDisplay          string        `json:"resultDisplay,omitempty"`
	Confirmation           *Confirmation `json:"confirmationDetails,omitempty"`
	RenderOutputAsMarkdown bool          `json:"renderOutputAsMarkdown,omitempty"`
}

// Compression reports token counts around a history compression.
type Compression struct {
	IsPending      bool `json:"isPending"`
	OriginalTokens int  `json:"originalTokenCount"`
	NewTokens      int  `json:"newTokenCount"`
}

// Stats is the usage payload of stats_snapshot and session_summary items.
type Stats struct {
	Cumulative chat.UsageMetadata  `json:"cumulative"`
	TurnCount  int                 `json:"turnCount"`
	LastTurn   *chat.UsageMetadata `json:"lastTurn,omitempty"`
	Duration   string              `json:"duration"`
}

// Item is one transcript entry.
type Item struct {
	ID          int64         `json:"id"`
	Kind        Kind          `json:"type"`
	Text        string        `json:"text,omitempty"`
	Tools       []ToolDisplay `json:"tools,omitempty"`
	Compression *Compression  `json:"compression,omitempty"`
	Stats       *Stats        `json:"stats,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Clone returns a copy whose slices can be mutated independently.
func (it Item) Clone() Item {
	out := it
	if it.Tools != nil {
		out.Tools = append([]ToolDisplay(nil), it.Tools...)
	}
	return out
}
