package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamagent/internal/chat"
	"streamagent/internal/config"
	"streamagent/internal/history"
	"streamagent/internal/permission"
	"streamagent/internal/tools"
)

// Registry resolves and validates tool calls.
type Registry interface {
	Lookup(name string) (tools.Tool, bool)
	Validate(name string, args map[string]any) error
}

type Policy interface {
	Decide(mode string, tool tools.Tool, rawArgs json.RawMessage) permission.Result
}

// Checkpointer is called for mutating calls before they are shown for approval.
// It must not fail the call.
type Checkpointer interface {
	Save(ctx context.Context, req chat.ToolCallRequest)
}

type Options struct {
	Registry Registry
	// Policy 为空时所有调用直接执行。
	// A nil Policy allows every call.
	Policy       Policy
	Mode         func() string
	Checkpointer Checkpointer

	// OnProceedAlways is called when the user approves a call for the rest of the session.
	OnProceedAlways func(call TrackedCall)
	// OnAllComplete fires once per batch, after its last call became terminal.
	OnAllComplete func(calls []TrackedCall)

	MaxParallel int
	Now         func() time.Time
}

// Scheduler 持有当前批次的 tracked calls，并驱动每个调用的状态机。
// Scheduler owns the tracked calls of the current batch and drives each call's state machine.
type Scheduler struct {
	opts    Options
	sem     *semaphore.Weighted
	changes chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	calls     []*TrackedCall
	batch     int
	batchCtx  context.Context
	stopWatch func() bool
	completed bool
}

func New(opts Options) *Scheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = config.DefaultSafetyMaxParallelTools
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mode == nil {
		opts.Mode = func() string { return config.ApprovalModeDefault }
	}
	return &Scheduler{
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxParallel)),
		changes:  make(chan struct{}, 1),
		batchCtx: context.Background(),
	}
}

// Changes is signalled after every store mutation. Notifications coalesce.
func (s *Scheduler) Changes() <-chan struct{} {
	return s.changes
}

// Schedule 开始一个新批次。上一批次仍有非终态调用时返回 ErrBatchActive。
// Schedule starts a new batch. It returns ErrBatchActive while the previous batch has non-terminal calls.
// When Schedule returns, every call is executing, awaiting approval or terminal.
func (s *Scheduler) Schedule(ctx context.Context, reqs []chat.ToolCallRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.activeLocked() {
		s.mu.Unlock()
		return ErrBatchActive
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.batch++
	batch := s.batch
	s.calls = make([]*TrackedCall, 0, len(reqs))
	for _, req := range reqs {
		call := &TrackedCall{Request: req, Status: StatusValidating, Batch: batch}
		if t, ok := s.opts.Registry.Lookup(req.Name); ok {
			call.Tool = t
		}
		s.calls = append(s.calls, call)
	}
	s.batchCtx = ctx
	s.completed = false
	s.stopWatch = context.AfterFunc(ctx, func() { s.cancelWaiting(batch) })
	s.mu.Unlock()
	s.notify()

	for _, req := range reqs {
		s.prepare(ctx, batch, req.CallID)
	}
	s.checkComplete(batch)
	return nil
}

func (s *Scheduler) prepare(ctx context.Context, batch int, id string) {
	call, ok := s.snapshot(batch, id)
	if !ok || call.Status != StatusValidating {
		return
	}
	req := call.Request
	if ctx.Err() != nil {
		s.finish(batch, id, StatusCancelled, cancelledResponse(req, cancelledMessage))
		return
	}
	if call.Tool == nil {
		msg := notFoundMessage(req.Name)
		s.finish(batch, id, StatusError, errorResponse(req, msg, &ValidationError{Tool: req.Name, Err: ErrToolNotFound}))
		return
	}
	if err := s.opts.Registry.Validate(req.Name, req.Args); err != nil {
		verr := &ValidationError{Tool: req.Name, Err: err}
		s.finish(batch, id, StatusError, errorResponse(req, verr.Error(), verr))
		return
	}

	res := s.decide(call)
	slog.Debug("tool call decision", "tool", req.Name, "call_id", id, "decision", res.Decision, "reason", res.Reason)
	if res.Decision == permission.DecisionDeny {
		msg := "Tool call blocked by policy"
		if res.Reason != "" {
			msg += ": " + res.Reason
		}
		s.finish(batch, id, StatusError, errorResponse(req, msg, ErrDenied))
		return
	}
	if err := s.transition(batch, id, StatusScheduled, nil); err != nil {
		return
	}
	if res.Decision == permission.DecisionAllow {
		s.execute(ctx, batch, id)
		return
	}

	if s.opts.Checkpointer != nil && tools.IsMutating(call.Tool) {
		s.opts.Checkpointer.Save(ctx, req)
	}
	conf := s.confirmation(call)
	_ = s.transition(batch, id, StatusAwaitingApproval, func(c *TrackedCall) {
		c.Confirmation = conf
	})
}

func (s *Scheduler) decide(call TrackedCall) permission.Result {
	if s.opts.Policy == nil {
		return permission.Result{Decision: permission.DecisionAllow}
	}
	return s.opts.Policy.Decide(s.opts.Mode(), call.Tool, call.rawArgs())
}

func (s *Scheduler) confirmation(call TrackedCall) *history.Confirmation {
	raw := call.rawArgs()
	if cf, ok := call.Tool.(tools.Confirmer); ok {
		conf, err := cf.Confirmation(raw)
		if err == nil && conf != nil {
			return conf
		}
		if err != nil {
			slog.Debug("build confirmation failed", "tool", call.Request.Name, "error", err)
		}
	}
	return &history.Confirmation{
		Kind:   "info",
		Title:  "Confirm " + tools.DisplayName(call.Tool),
		Prompt: tools.Describe(call.Tool, raw),
	}
}

// Resolve 处理用户对 awaiting_approval 调用的确认结果。args 仅用于 OutcomeModifyWithArgs。
// Resolve applies the user's answer to a call awaiting approval. args is only used with OutcomeModifyWithArgs.
func (s *Scheduler) Resolve(id string, outcome Outcome, args map[string]any) error {
	s.mu.Lock()
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	if c.Status != StatusAwaitingApproval {
		status := c.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: resolve %s in status %s", ErrInvalidTransition, id, status)
	}
	batch := s.batch
	ctx := s.batchCtx
	req := c.Request
	s.mu.Unlock()

	switch outcome {
	case OutcomeCancel:
		return s.finish(batch, id, StatusCancelled, cancelledResponse(req, rejectedMessage), func(c *TrackedCall) {
			c.Outcome = outcome
		})
	case OutcomeModifyWithArgs:
		if err := s.opts.Registry.Validate(req.Name, args); err != nil {
			return &ValidationError{Tool: req.Name, Err: err}
		}
		s.mu.Lock()
		if c := s.findLocked(id); c != nil && c.Status == StatusAwaitingApproval {
			modified := req
			modified.Args = args
			c.Request = modified
		}
		s.mu.Unlock()
	case OutcomeProceedAlways:
		if s.opts.OnProceedAlways != nil {
			if call, ok := s.snapshot(batch, id); ok {
				s.opts.OnProceedAlways(call)
			}
		}
	case OutcomeProceedOnce:
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	s.mu.Lock()
	if c := s.findLocked(id); c != nil {
		c.Outcome = outcome
	}
	s.mu.Unlock()
	return s.execute(ctx, batch, id)
}

func (s *Scheduler) execute(ctx context.Context, batch int, id string) error {
	now := s.opts.Now()
	err := s.transition(batch, id, StatusExecuting, func(c *TrackedCall) {
		c.Confirmation = nil
		c.StartedAt = now
	})
	if err != nil {
		return err
	}
	call, _ := s.snapshot(batch, id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		req := call.Request
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.finish(batch, id, StatusCancelled, cancelledResponse(req, cancelledMessage))
			return
		}
		defer s.sem.Release(1)

		output, err := s.run(ctx, batch, call)
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			// a tool that ignores ctx still reports cancelled once the batch is aborted
			s.finish(batch, id, StatusCancelled, cancelledResponse(req, cancelledMessage))
		case err != nil:
			slog.Debug("tool execution failed", "tool", req.Name, "call_id", id, "error", err)
			s.finish(batch, id, StatusError, errorResponse(req, err.Error(), &ExecutionError{Tool: req.Name, Err: err}))
		default:
			s.finish(batch, id, StatusSuccess, successResponse(req, output, tools.ResultDisplay(call.Tool, output)))
		}
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context, batch int, call TrackedCall) (string, error) {
	raw := call.rawArgs()
	if st, ok := call.Tool.(tools.Streamer); ok {
		return st.ExecuteStream(ctx, raw, func(out string) {
			s.setLiveOutput(batch, call.Request.CallID, out)
		})
	}
	return call.Tool.Execute(ctx, raw)
}

func (s *Scheduler) setLiveOutput(batch int, id, out string) {
	s.mu.Lock()
	c := s.findLocked(id)
	if batch != s.batch || c == nil || c.Status != StatusExecuting {
		s.mu.Unlock()
		return
	}
	c.LiveOutput = out
	s.mu.Unlock()
	s.notify()
}

// cancelWaiting 在批次信号触发时取消尚未执行的调用；执行中的调用由工具自身观察 ctx。
// cancelWaiting cancels calls that have not started when the batch signal fires. Executing calls observe ctx themselves.
func (s *Scheduler) cancelWaiting(batch int) {
	s.mu.Lock()
	if batch != s.batch {
		s.mu.Unlock()
		return
	}
	var ids []string
	for _, c := range s.calls {
		switch c.Status {
		case StatusValidating, StatusScheduled, StatusAwaitingApproval:
			ids = append(ids, c.Request.CallID)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		call, ok := s.snapshot(batch, id)
		if !ok {
			continue
		}
		s.finish(batch, id, StatusCancelled, cancelledResponse(call.Request, cancelledMessage))
	}
}

// finish moves a call to a terminal status with its response.
func (s *Scheduler) finish(batch int, id string, to Status, resp *Response, mutate ...func(*TrackedCall)) error {
	now := s.opts.Now()
	err := s.transition(batch, id, to, func(c *TrackedCall) {
		c.Response = resp
		c.Confirmation = nil
		c.LiveOutput = ""
		if !c.StartedAt.IsZero() {
			c.Duration = now.Sub(c.StartedAt)
		}
		for _, fn := range mutate {
			fn(c)
		}
	})
	if err != nil {
		return err
	}
	s.checkComplete(batch)
	return nil
}

func (s *Scheduler) transition(batch int, id string, to Status, mutate func(*TrackedCall)) error {
	s.mu.Lock()
	c := s.findLocked(id)
	if batch != s.batch || c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	if !canTransition(c.Status, to) {
		from := c.Status
		s.mu.Unlock()
		slog.Debug("rejected tool call transition", "call_id", id, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.Status = to
	if mutate != nil {
		mutate(c)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Scheduler) checkComplete(batch int) {
	s.mu.Lock()
	if batch != s.batch || s.completed || len(s.calls) == 0 || s.activeLocked() {
		s.mu.Unlock()
		return
	}
	s.completed = true
	if s.stopWatch != nil {
		s.stopWatch()
	}
	calls := s.snapshotLocked()
	s.mu.Unlock()
	if s.opts.OnAllComplete != nil {
		s.opts.OnAllComplete(calls)
	}
}

// MarkSubmitted 把终态调用标记为已提交给模型；重复调用无副作用。
// MarkSubmitted flags terminal calls as folded into an outgoing message. Repeated calls are no-ops.
func (s *Scheduler) MarkSubmitted(ids ...string) {
	changed := false
	s.mu.Lock()
	for _, id := range ids {
		c := s.findLocked(id)
		if c == nil || !c.Status.Terminal() || c.ResponseSubmitted {
			continue
		}
		c.ResponseSubmitted = true
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Calls returns a snapshot of the current batch in request order.
func (s *Scheduler) Calls() []TrackedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Active reports whether any call of the current batch is not terminal.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// Wait blocks until no tool body is running.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) snapshot(batch int, id string) (TrackedCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if batch != s.batch || c == nil {
		return TrackedCall{}, false
	}
	return c.clone(), true
}

func (s *Scheduler) snapshotLocked() []TrackedCall {
	out := make([]TrackedCall, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.clone()
	}
	return out
}

func (s *Scheduler) findLocked(id string) *TrackedCall {
	for _, c := range s.calls {
		if c.Request.CallID == id {
			return c
		}
	}
	return nil
}

func (s *Scheduler) activeLocked() bool {
	for _, c := range s.calls {
		if !c.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *Scheduler) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
