// Package stream turns a model event stream into transcript items.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamagent/internal/chat"
	"streamagent/internal/client"
	"streamagent/internal/history"
	"streamagent/internal/markdown"
	"streamagent/internal/stats"
)

// Status is how a processed stream ended.
type Status int

const (
	StatusCompleted Status = iota
	StatusUserCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusUserCancelled:
		return "user_cancelled"
	default:
		return "error"
	}
}

type Result struct {
	Status           Status
	ToolCallRequests []chat.ToolCallRequest
}

const (
	userCancelledText = "User cancelled the request."
	compressionText   = "IMPORTANT: This conversation approached the input token limit for %s. A compressed context will be sent for future messages (compressed from: %d to %d tokens)."
)

type Options struct {
	History *history.Manager
	Stats   *stats.Aggregator
	// Model names the model in the compression notice.
	Model func() string
	// Strict 为 true 时未知事件返回 ErrUnhandledEvent（开发模式）。
	// Strict makes unknown events fail with ErrUnhandledEvent (development mode).
	Strict bool
	// OnChange is called after the pending slot or thought changed, without the lock held.
	OnChange func()
}

// Processor 持有当前 pending item 与 thought。通常每轮一个；Reset 可复用同一个实例。
// Processor owns the pending item slot and the current thought. The
// orchestrator uses one per turn so a draining stale stream cannot touch the
// next turn; Reset allows reuse.
type Processor struct {
	opts Options

	mu         sync.Mutex
	pending    *history.Item
	buffer     string
	thought    client.ThoughtEvent
	hasThought bool
	cancelled  bool
}

func NewProcessor(opts Options) *Processor {
	if opts.Model == nil {
		opts.Model = func() string { return "the model" }
	}
	return &Processor{opts: opts}
}

// Process consumes events until the producer closes the channel.
// Authorization failures are returned as the error; other request errors
// become transcript items.
func (p *Processor) Process(ctx context.Context, events <-chan client.Event, ts time.Time) (Result, error) {
	var res Result
	sawError := false
	defer p.clearThought()

	for ev := range events {
		switch e := ev.(type) {
		case client.ThoughtEvent:
			p.setThought(e)
		case client.ContentEvent:
			if ctx.Err() != nil {
				continue
			}
			p.appendContent(e.Text, ts)
		case client.ToolCallRequestEvent:
			res.ToolCallRequests = append(res.ToolCallRequests, e.Request)
		case client.UserCancelledEvent:
			p.handleUserCancelled(ts)
			drain(events)
			return Result{Status: StatusUserCancelled}, nil
		case client.ErrorEvent:
			if errors.Is(e.Err, client.ErrUnauthorized) {
				// the transcript is left as it was; pending text is not committed
				drain(events)
				return Result{Status: StatusError}, e.Err
			}
			sawError = true
			p.CommitPending(ts)
			p.add(history.Item{Kind: history.KindError, Text: FormatAPIError(e.Err)}, ts)
		case client.ChatCompressedEvent:
			p.add(history.Item{
				Kind: history.KindCompressionNotice,
				Text: fmt.Sprintf(compressionText, p.opts.Model(), e.Info.OriginalTokens, e.Info.NewTokens),
				Compression: &history.Compression{
					OriginalTokens: e.Info.OriginalTokens,
					NewTokens:      e.Info.NewTokens,
				},
			}, ts)
		case client.UsageMetadataEvent:
			if p.opts.Stats != nil {
				p.opts.Stats.AddUsage(e.Usage)
			}
		default:
			if p.opts.Strict {
				drain(events)
				return Result{Status: StatusError}, fmt.Errorf("%w: %T", ErrUnhandledEvent, ev)
			}
			slog.Debug("ignoring unhandled stream event", "type", fmt.Sprintf("%T", ev))
		}
	}

	if sawError {
		res.Status = StatusError
	}
	return res, nil
}

// drain 保证生产者 goroutine 能退出。
func drain(events <-chan client.Event) {
	go func() {
		for range events {
		}
	}()
}

func (p *Processor) appendContent(text string, ts time.Time) {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	if p.pending == nil || !p.pending.Kind.IsModelText() {
		p.commitLocked(ts, false)
		p.pending = &history.Item{Kind: history.KindModelText}
		p.buffer = ""
	}
	p.buffer += text

	split := markdown.FindLastSafeSplitPoint(p.buffer)
	if split <= 0 || split >= len(p.buffer) {
		p.pending.Text = p.buffer
	} else {
		before, after := p.buffer[:split], p.buffer[split:]
		p.opts.History.Add(history.Item{Kind: p.pending.Kind, Text: before}, ts)
		p.pending = &history.Item{Kind: history.KindModelTextChunk, Text: after}
		p.buffer = after
	}
	p.mu.Unlock()
	p.changed()
}

func (p *Processor) handleUserCancelled(ts time.Time) {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	p.commitLocked(ts, true)
	p.mu.Unlock()
	p.add(history.Item{Kind: history.KindInfo, Text: userCancelledText}, ts)
	p.changed()
}

// commitLocked 提交 pending item。cancelTools 为 true 时把未完成的工具显示标记为 Canceled。
// commitLocked commits the pending item. With cancelTools, unfinished tool displays become Canceled.
func (p *Processor) commitLocked(ts time.Time, cancelTools bool) {
	if p.pending == nil {
		return
	}
	item := p.pending.Clone()
	p.pending = nil
	p.buffer = ""
	if cancelTools && item.Kind == history.KindToolGroup {
		for i, t := range item.Tools {
			switch t.Status {
			case history.ToolPending, history.ToolConfirming, history.ToolExecuting:
				item.Tools[i].Status = history.ToolCanceled
				item.Tools[i].Confirmation = nil
			}
		}
	}
	if item.Kind.IsModelText() && item.Text == "" {
		return
	}
	p.opts.History.Add(item, ts)
}

func (p *Processor) add(item history.Item, ts time.Time) {
	p.opts.History.Add(item, ts)
}

// Pending returns a copy of the pending item, or nil.
func (p *Processor) Pending() *history.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	item := p.pending.Clone()
	return &item
}

// CommitPending commits the pending item, if any, and empties the slot.
func (p *Processor) CommitPending(ts time.Time) {
	p.mu.Lock()
	had := p.pending != nil
	p.commitLocked(ts, false)
	p.mu.Unlock()
	if had {
		p.changed()
	}
}

// ReplacePending sets the pending slot; nil empties it without committing.
func (p *Processor) ReplacePending(item *history.Item) {
	p.mu.Lock()
	if item == nil {
		p.pending = nil
		p.buffer = ""
	} else {
		cp := item.Clone()
		p.pending = &cp
		p.buffer = cp.Text
	}
	p.mu.Unlock()
	p.changed()
}

// Cancel marks the current turn as cancelled locally. Later content and
// UserCancelled events of the turn are dropped.
func (p *Processor) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *Processor) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Reset starts a new turn: the cancel flag, buffer and thought are cleared.
// A pending item is dropped.
func (p *Processor) Reset() {
	p.mu.Lock()
	p.cancelled = false
	p.pending = nil
	p.buffer = ""
	p.hasThought = false
	p.thought = client.ThoughtEvent{}
	p.mu.Unlock()
	p.changed()
}

// Thought returns the current reasoning headline.
func (p *Processor) Thought() (client.ThoughtEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.thought, p.hasThought
}

func (p *Processor) setThought(t client.ThoughtEvent) {
	p.mu.Lock()
	p.thought = t
	p.hasThought = true
	p.mu.Unlock()
	p.changed()
}

func (p *Processor) clearThought() {
	p.mu.Lock()
	had := p.hasThought
	p.hasThought = false
	p.thought = client.ThoughtEvent{}
	p.mu.Unlock()
	if had {
		p.changed()
	}
}

func (p *Processor) changed() {
	if p.opts.OnChange != nil {
		p.opts.OnChange()
	}
}
