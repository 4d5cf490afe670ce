// Package scheduler drives tool-call requests from validation through
// approval and execution to a terminal response.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/history"
	"streamagent/internal/tools"
)

// Status is the lifecycle state of one tracked call.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// transitions 是允许的状态迁移表。validating/scheduled -> cancelled 用于批次信号在执行前触发的情况。
// transitions is the allowed state table. validating/scheduled -> cancelled covers the batch signal firing before execution.
var transitions = map[Status][]Status{
	StatusValidating:       {StatusError, StatusScheduled, StatusCancelled},
	StatusScheduled:        {StatusAwaitingApproval, StatusExecuting, StatusCancelled},
	StatusAwaitingApproval: {StatusExecuting, StatusCancelled},
	StatusExecuting:        {StatusSuccess, StatusError, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is the user's answer to a confirmation.
type Outcome string

const (
	OutcomeProceedOnce    Outcome = "proceed_once"
	OutcomeProceedAlways  Outcome = "proceed_always"
	OutcomeModifyWithArgs Outcome = "modify_with_args"
	OutcomeCancel         Outcome = "cancel"
)

var (
	ErrBatchActive       = errors.New("a tool call batch is still running")
	ErrInvalidTransition = errors.New("invalid tool call transition")
	ErrUnknownCall       = errors.New("unknown tool call")
)

const (
	rejectedMessage  = "[Operation Cancelled] Reason: User did not allow tool call"
	cancelledMessage = "[Operation Cancelled] Reason: User cancelled tool execution."
)

// ValidationError 表示参数不符合工具声明或工具未注册。
// ValidationError means the arguments do not fit the tool's contract or the tool is unknown.
type ValidationError struct {
	Tool string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure returned by a tool body.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Response is the terminal result of a call.
type Response struct {
	CallID        string
	Parts         []chat.Part
	ResultDisplay string
	Err           error
}

// TrackedCall is a snapshot of one call in the store.
type TrackedCall struct {
	Request chat.ToolCallRequest
	Status  Status
	// Batch numbers the Schedule call that tracked this call, starting at 1.
	Batch int
	// Tool is nil when the name is not registered.
	Tool tools.Tool

	Confirmation *history.Confirmation
	LiveOutput   string
	Response     *Response

	ResponseSubmitted bool
	Outcome           Outcome
	StartedAt         time.Time
	Duration          time.Duration
}

func (c TrackedCall) clone() TrackedCall {
	out := c
	if c.Confirmation != nil {
		conf := *c.Confirmation
		out.Confirmation = &conf
	}
	if c.Response != nil {
		resp := *c.Response
		resp.Parts = append([]chat.Part(nil), c.Response.Parts...)
		out.Response = &resp
	}
	return out
}

func (c TrackedCall) rawArgs() json.RawMessage {
	return encodeArgs(c.Request.Args)
}

func encodeArgs(args map[string]any) json.RawMessage {
	if args == nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
