package orchestrator

import (
	"context"
	"log/slog"

	"streamagent/internal/chat"
	"streamagent/internal/scheduler"
	"streamagent/internal/tools"
)

// Start 运行调和循环，直到 ctx 结束。
// Start runs the reconcile loop until ctx is done. Each pass looks at the
// whole tool-call store, so repeated or coalesced wake-ups are harmless.
func (o *Orchestrator) Start(ctx context.Context) {
	changes := o.sched.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			o.notify()
		case <-o.kick:
		}
		o.reconcile(ctx)
	}
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	o.mu.Lock()
	responding := o.responding
	o.mu.Unlock()
	if responding {
		return
	}

	calls := o.sched.Calls()
	var ready []scheduler.TrackedCall
	for _, c := range calls {
		if c.Status.Terminal() && !c.ResponseSubmitted && c.Response != nil {
			ready = append(ready, c)
		}
	}

	// 先刷新记忆再标记，标记后会话即可能变为 Idle。
	o.refreshAfterMemorySaves(ctx, ready)

	var clientIDs []string
	for _, c := range ready {
		if c.Request.IsClientInitiated {
			clientIDs = append(clientIDs, c.Request.CallID)
		}
	}
	if len(clientIDs) > 0 {
		o.sched.MarkSubmitted(clientIDs...)
	}

	if len(calls) == 0 || len(ready) != len(calls) || !o.groupCommitted(calls) {
		return
	}

	var modelCalls []scheduler.TrackedCall
	for _, c := range ready {
		if !c.Request.IsClientInitiated {
			modelCalls = append(modelCalls, c)
		}
	}
	if len(modelCalls) == 0 {
		return
	}

	ids := make([]string, len(modelCalls))
	responses := make([][]chat.Part, len(modelCalls))
	allCancelled := true
	for i, c := range modelCalls {
		ids[i] = c.Request.CallID
		responses[i] = c.Response.Parts
		if c.Status != scheduler.StatusCancelled {
			allCancelled = false
		}
	}

	if allCancelled {
		// 全部取消时不请求模型，只把响应写进历史，让模型知道这些调用被取消了。
		for _, parts := range responses {
			o.opts.Client.AddHistory(chat.Content{Role: chat.RoleUser, Parts: parts})
		}
		o.sched.MarkSubmitted(ids...)
		slog.Debug("all tool calls cancelled, responses recorded locally", "count", len(ids))
		return
	}

	o.sched.MarkSubmitted(ids...)
	o.mu.Lock()
	o.responding = true
	o.mu.Unlock()
	slog.Debug("resubmitting tool responses", "count", len(ids))
	if err := o.SubmitQuery(ctx, Query{Parts: chat.MergeParts(responses...)}, SubmitOptions{Continuation: true}); err != nil {
		slog.Warn("resubmit tool responses failed", "error", err)
	}
}

// refreshAfterMemorySaves reloads memory once per new successful save_memory call.
func (o *Orchestrator) refreshAfterMemorySaves(ctx context.Context, ready []scheduler.TrackedCall) {
	fresh := false
	o.mu.Lock()
	for _, c := range ready {
		if c.Request.Name != tools.SaveMemoryName || c.Status != scheduler.StatusSuccess {
			continue
		}
		key := callKey{batch: c.Batch, id: c.Request.CallID}
		if o.refreshedMemory[key] {
			continue
		}
		o.refreshedMemory[key] = true
		fresh = true
	}
	o.mu.Unlock()
	if fresh {
		o.refreshMemory(ctx, o.opts.Now())
	}
}
