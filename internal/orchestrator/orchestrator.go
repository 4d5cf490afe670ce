package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/client"
	"streamagent/internal/history"
	"streamagent/internal/scheduler"
	"streamagent/internal/stats"
	"streamagent/internal/storage"
	"streamagent/internal/stream"
)

const requestCancelledText = "Request cancelled."

// Orchestrator 串联一次用户输入、模型流、工具调度与工具结果回传。
// Orchestrator drives a user turn through the model stream and the tool
// scheduler, and resubmits tool results until the exchange settles.
type Orchestrator struct {
	opts    Options
	hist    *history.Manager
	sched   *scheduler.Scheduler
	updates chan struct{}
	kick    chan struct{}

	sigMu  sync.Mutex
	signal chan struct{}

	mu              sync.Mutex
	proc            *stream.Processor
	responding      bool
	turnCancelled   bool
	turnSeq         uint64
	cancelTurn      context.CancelFunc
	shellMode       bool
	refreshedMemory map[callKey]bool
	committedGroups map[int]bool
}

// callKey identifies a call across batches; providers may reuse call ids.
type callKey struct {
	batch int
	id    string
}

func New(opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		opts:            opts,
		updates:         make(chan struct{}, 1),
		kick:            make(chan struct{}, 1),
		signal:          make(chan struct{}),
		refreshedMemory: make(map[callKey]bool),
		committedGroups: make(map[int]bool),
	}
	o.hist = history.NewManager(o.notify)

	so := opts.Scheduler
	chained := so.OnAllComplete
	so.OnAllComplete = func(calls []scheduler.TrackedCall) {
		o.commitToolGroup(calls)
		if chained != nil {
			chained(calls)
		}
	}
	o.sched = scheduler.New(so)
	o.proc = o.newProcessor()
	return o
}

func (o *Orchestrator) newProcessor() *stream.Processor {
	return stream.NewProcessor(stream.Options{
		History:  o.hist,
		Stats:    o.opts.Stats,
		Model:    o.opts.Client.Model,
		Strict:   o.opts.StrictEvents,
		OnChange: o.notify,
	})
}

// Scheduler exposes the tool scheduler, mainly for approval decisions.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

func (o *Orchestrator) Stats() *stats.Aggregator { return o.opts.Stats }

// History returns the committed transcript.
func (o *Orchestrator) History() []history.Item { return o.hist.Items() }

// Updates is signalled after any visible state change. Notifications coalesce.
func (o *Orchestrator) Updates() <-chan struct{} { return o.updates }

// SubmitQuery runs one turn: local commands are handled in place, anything
// else is streamed from the model. It returns when the stream has been
// consumed; tool execution and resubmission continue in the reconcile loop.
func (o *Orchestrator) SubmitQuery(ctx context.Context, q Query, so SubmitOptions) error {
	if q.isText() && strings.TrimSpace(q.Text) == "" {
		return nil
	}
	turnCtx, seq, proc, err := o.beginTurn(ctx, so.Continuation)
	if err != nil {
		return err
	}
	defer o.endTurn(seq)

	ts := o.opts.Now()
	parts, proceed := o.prepareQuery(turnCtx, q, ts)
	if !proceed {
		return nil
	}
	if !so.Continuation {
		o.opts.Stats.StartNewTurn()
	}
	o.runStream(turnCtx, proc, parts, ts)
	return nil
}

func (o *Orchestrator) beginTurn(ctx context.Context, continuation bool) (context.Context, uint64, *stream.Processor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !continuation && deriveState(o.responding, o.sched.Calls()) != StateIdle {
		return nil, 0, nil, ErrBusy
	}
	// 上一轮的批次此时都已终止，可以释放它的 context。
	if o.cancelTurn != nil {
		o.cancelTurn()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.cancelTurn = cancel
	o.turnSeq++
	o.turnCancelled = false
	o.responding = true
	o.proc = o.newProcessor()
	return turnCtx, o.turnSeq, o.proc, nil
}

// endTurn clears responding unless a newer turn already started.
func (o *Orchestrator) endTurn(seq uint64) {
	o.mu.Lock()
	if o.turnSeq == seq {
		o.responding = false
	}
	o.mu.Unlock()
	o.notify()
	o.wake()
}

func (o *Orchestrator) prepareQuery(ctx context.Context, q Query, ts time.Time) ([]chat.Part, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	if !q.isText() {
		return q.Parts, true
	}
	text := strings.TrimSpace(q.Text)
	slog.Debug("user query", "text", text)

	if o.handleShellInput(ctx, text, ts) {
		return nil, false
	}
	o.logMessage(ctx, storage.SenderUser, text)
	if isSlashCommand(text) {
		o.handleSlashCommand(ctx, text, ts)
		return nil, false
	}
	if hasAtPath(text) {
		return o.handleAtCommand(ctx, text, ts)
	}
	o.hist.Add(history.Item{Kind: history.KindUser, Text: text}, ts)
	return []chat.Part{chat.TextPart(text)}, true
}

func (o *Orchestrator) runStream(ctx context.Context, proc *stream.Processor, parts []chat.Part, ts time.Time) {
	events, err := o.opts.Client.SendMessageStream(ctx, parts)
	if err != nil {
		o.handleTurnError(proc, err, ts)
		return
	}
	res, err := proc.Process(ctx, events, ts)
	if err != nil {
		o.handleTurnError(proc, err, ts)
		return
	}
	if res.Status == stream.StatusUserCancelled || ctx.Err() != nil {
		return
	}
	// 先提交文本，保证 transcript 中模型文本排在工具结果之前。
	proc.CommitPending(ts)
	if len(res.ToolCallRequests) > 0 {
		o.schedule(ctx, res.ToolCallRequests, ts)
	}
}

func (o *Orchestrator) schedule(ctx context.Context, reqs []chat.ToolCallRequest, ts time.Time) {
	if err := o.sched.Schedule(ctx, reqs); err != nil {
		slog.Warn("schedule tool calls failed", "error", err, "count", len(reqs))
		o.hist.Add(history.Item{Kind: history.KindError, Text: "Failed to schedule tool calls: " + err.Error()}, ts)
	}
}

func (o *Orchestrator) handleTurnError(proc *stream.Processor, err error, ts time.Time) {
	if errors.Is(err, client.ErrUnauthorized) {
		slog.Warn("model request unauthorized", "error", err)
		if o.opts.OnAuthError != nil {
			o.opts.OnAuthError(err)
		}
		return
	}
	proc.CommitPending(ts)
	switch {
	case errors.Is(err, context.Canceled):
	default:
		o.hist.Add(history.Item{Kind: history.KindError, Text: stream.FormatAPIError(err)}, ts)
	}
}

// Cancel 中断当前响应；仅在 Responding 且本轮尚未取消时生效。
// Cancel interrupts the response in flight. It only acts while the session
// is responding and the turn has not been cancelled yet.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.turnCancelled || deriveState(o.responding, o.sched.Calls()) != StateResponding {
		o.mu.Unlock()
		return
	}
	o.turnCancelled = true
	o.responding = false
	proc, cancel := o.proc, o.cancelTurn
	o.mu.Unlock()

	proc.Cancel()
	if cancel != nil {
		cancel()
	}
	ts := o.opts.Now()
	proc.CommitPending(ts)
	o.hist.Add(history.Item{Kind: history.KindInfo, Text: requestCancelledText}, ts)
	slog.Debug("request cancelled")
	o.notify()
	o.wake()
}

func (o *Orchestrator) StreamingState() StreamingState {
	o.mu.Lock()
	responding := o.responding
	o.mu.Unlock()
	return deriveState(responding, o.sched.Calls())
}

func deriveState(responding bool, calls []scheduler.TrackedCall) StreamingState {
	for _, c := range calls {
		if c.Status == scheduler.StatusAwaitingApproval {
			return StateWaitingForConfirmation
		}
	}
	if responding {
		return StateResponding
	}
	for _, c := range calls {
		if !c.Status.Terminal() || !c.ResponseSubmitted {
			return StateResponding
		}
	}
	return StateIdle
}

// PendingItems returns the streaming text item and, while a batch runs, the
// live tool group.
func (o *Orchestrator) PendingItems() PendingItems {
	var p PendingItems
	p.Text = o.currentProc().Pending()
	calls := o.sched.Calls()
	if len(calls) > 0 && !o.groupCommitted(calls) {
		p.ToolGroup = &history.Item{Kind: history.KindToolGroup, Tools: scheduler.DisplayGroup(calls)}
	}
	return p
}

func (o *Orchestrator) currentProc() *stream.Processor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.proc
}

// Thought returns the reasoning headline of the current stream.
func (o *Orchestrator) Thought() (client.ThoughtEvent, bool) {
	return o.currentProc().Thought()
}

func (o *Orchestrator) ShellMode() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shellMode
}

func (o *Orchestrator) SetShellMode(on bool) {
	o.mu.Lock()
	o.shellMode = on
	o.mu.Unlock()
	o.notify()
}

// WaitIdle blocks until the session is idle and the reconcile loop has
// nothing left to submit. The loop must be running.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	for {
		o.sigMu.Lock()
		ch := o.signal
		o.sigMu.Unlock()
		if o.StreamingState() == StateIdle {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) commitToolGroup(calls []scheduler.TrackedCall) {
	if len(calls) == 0 {
		return
	}
	o.hist.Add(history.Item{Kind: history.KindToolGroup, Tools: scheduler.DisplayGroup(calls)}, o.opts.Now())
	o.mu.Lock()
	o.committedGroups[calls[0].Batch] = true
	o.mu.Unlock()
	o.notify()
	o.wake()
}

func (o *Orchestrator) groupCommitted(calls []scheduler.TrackedCall) bool {
	if len(calls) == 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committedGroups[calls[0].Batch]
}

func (o *Orchestrator) logMessage(ctx context.Context, sender storage.Sender, text string) {
	if o.opts.Log == nil {
		return
	}
	if err := o.opts.Log.LogMessage(ctx, sender, text); err != nil {
		slog.Debug("message log write failed", "error", err)
	}
}

func (o *Orchestrator) notify() {
	o.sigMu.Lock()
	close(o.signal)
	o.signal = make(chan struct{})
	o.sigMu.Unlock()
	select {
	case o.updates <- struct{}{}:
	default:
	}
}

// wake asks the reconcile loop for another pass.
func (o *Orchestrator) wake() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}
