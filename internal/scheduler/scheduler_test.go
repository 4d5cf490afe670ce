package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamagent/internal/chat"
	"streamagent/internal/checkpoint"
	"streamagent/internal/history"
	"streamagent/internal/permission"
	"streamagent/internal/tools"
)

type fakeTool struct {
	name    string
	mutates bool
	output  string
	err     error
	stream  []string
	// release 非空时工具阻塞直到 release 关闭或 ctx 取消。
	release chan struct{}
	// ignoreCtx 为真时只等待 release，模拟不观察 ctx 的工具。
	ignoreCtx bool

	running atomic.Int32
	peak    atomic.Int32

	mu       sync.Mutex
	lastArgs json.RawMessage
}

func (f *fakeTool) Name() string             { return f.name }
func (f *fakeTool) Definition() chat.ToolDef { return chat.ToolDef{} }
func (f *fakeTool) Mutates() bool            { return f.mutates }
func (f *fakeTool) Describe(args json.RawMessage) string {
	return f.name + " " + string(args)
}
func (f *fakeTool) DisplayName() string { return "Fake " + f.name }

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f.ExecuteStream(ctx, args, nil)
}

func (f *fakeTool) ExecuteStream(ctx context.Context, args json.RawMessage, onOutput func(string)) (string, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.lastArgs = args
	f.mu.Unlock()

	acc := ""
	for _, chunk := range f.stream {
		acc += chunk
		if onOutput != nil {
			onOutput(acc)
		}
	}
	if f.release != nil && f.ignoreCtx {
		<-f.release
	} else if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.output, f.err
}

func (f *fakeTool) args() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.lastArgs)
}

type fakeRegistry map[string]tools.Tool

func (r fakeRegistry) Lookup(name string) (tools.Tool, bool) {
	t, ok := r[name]
	return t, ok
}

func (r fakeRegistry) Validate(name string, args map[string]any) error {
	if _, ok := args["bad"]; ok {
		return fmt.Errorf("%w: bad arg", tools.ErrInvalidArgs)
	}
	return nil
}

type fakePolicy map[string]permission.Decision

func (p fakePolicy) Decide(_ string, tool tools.Tool, _ json.RawMessage) permission.Result {
	d, ok := p[tool.Name()]
	if !ok {
		d = permission.DecisionAllow
	}
	return permission.Result{Decision: d, Reason: "test rule"}
}

type recordingCheckpointer struct {
	mu    sync.Mutex
	saved []string
}

func (r *recordingCheckpointer) Save(_ context.Context, req chat.ToolCallRequest) {
	r.mu.Lock()
	r.saved = append(r.saved, req.CallID)
	r.mu.Unlock()
}

func (r *recordingCheckpointer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

// noCommitSnapshots never yields a commit hash.
type noCommitSnapshots struct {
	asked atomic.Int32
}

func (n *noCommitSnapshots) CreateSnapshot(context.Context, string) (string, error) {
	n.asked.Add(1)
	return "", nil
}

func (n *noCommitSnapshots) CurrentCommitHash(context.Context) (string, error) { return "", nil }

type harness struct {
	s         *Scheduler
	completed atomic.Int32
	lastBatch []TrackedCall
	mu        sync.Mutex
}

func newHarness(t *testing.T, reg fakeRegistry, policy Policy, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{}
	opts := Options{
		Registry: reg,
		Policy:   policy,
		OnAllComplete: func(calls []TrackedCall) {
			h.completed.Add(1)
			h.mu.Lock()
			h.lastBatch = calls
			h.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.s = New(opts)
	t.Cleanup(h.s.Wait)
	return h
}

func req(id, name string, args map[string]any) chat.ToolCallRequest {
	return chat.ToolCallRequest{CallID: id, Name: name, Args: args}
}

func (h *harness) call(t *testing.T, id string) TrackedCall {
	t.Helper()
	for _, c := range h.s.Calls() {
		if c.Request.CallID == id {
			return c
		}
	}
	t.Fatalf("call %s not tracked", id)
	return TrackedCall{}
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) TrackedCall {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.call(t, id).Status == want
	}, 2*time.Second, 5*time.Millisecond, "call %s never reached %s", id, want)
	return h.call(t, id)
}

func responsePayload(t *testing.T, c TrackedCall) map[string]any {
	t.Helper()
	require.NotNil(t, c.Response)
	require.Len(t, c.Response.Parts, 1)
	fr := c.Response.Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, c.Request.CallID, fr.ID)
	assert.Equal(t, c.Request.Name, fr.Name)
	return fr.Response
}

func TestScheduleAutoApprovedCallSucceeds(t *testing.T) {
	tool := &fakeTool{name: "read", output: "file body"}
	h := newHarness(t, fakeRegistry{"read": tool}, fakePolicy{})

	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "read", map[string]any{"path": "a"})}))
	c := h.waitStatus(t, "c1", StatusSuccess)

	assert.Equal(t, "file body", responsePayload(t, c)["output"])
	assert.Equal(t, "file body", c.Response.ResultDisplay)
	assert.False(t, c.ResponseSubmitted)
	require.Eventually(t, func() bool { return h.completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.s.Active())
}

func TestScheduleApproveOneCancelOther(t *testing.T) {
	write := &fakeTool{name: "write", mutates: true, output: "ok"}
	shell := &fakeTool{name: "shell", output: "ran"}
	cp := &recordingCheckpointer{}
	h := newHarness(t, fakeRegistry{"write": write, "shell": shell}, fakePolicy{
		"write": permission.DecisionAsk,
		"shell": permission.DecisionAsk,
	}, func(o *Options) { o.Checkpointer = cp })

	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{
		req("w1", "write", map[string]any{"file_path": "a.txt"}),
		req("s1", "shell", map[string]any{"command": "ls"}),
	}))
	for _, c := range h.s.Calls() {
		require.Equal(t, StatusAwaitingApproval, c.Status)
		require.NotNil(t, c.Confirmation)
	}
	assert.Equal(t, []string{"w1"}, cp.ids(), "only mutating calls are checkpointed")
	assert.ErrorIs(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("x", "shell", nil)}), ErrBatchActive)

	require.NoError(t, h.s.Resolve("w1", OutcomeProceedOnce, nil))
	require.NoError(t, h.s.Resolve("s1", OutcomeCancel, nil))

	w := h.waitStatus(t, "w1", StatusSuccess)
	s := h.call(t, "s1")
	assert.Equal(t, StatusCancelled, s.Status)
	assert.Equal(t, rejectedMessage, responsePayload(t, s)["error"])
	assert.Nil(t, w.Confirmation)
	assert.Equal(t, OutcomeProceedOnce, w.Outcome)
	require.Eventually(t, func() bool { return h.completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.lastBatch, 2)
}

func TestApprovedWriteProceedsWithoutCommitHash(t *testing.T) {
	snaps := &noCommitSnapshots{}
	writer := checkpoint.NewWriter(checkpoint.Options{Enabled: true, Dir: t.TempDir(), Snapshots: snaps})
	write := &fakeTool{name: tools.WriteFileName, mutates: true, output: "wrote a.txt"}
	h := newHarness(t, fakeRegistry{tools.WriteFileName: write}, fakePolicy{
		tools.WriteFileName: permission.DecisionAsk,
	}, func(o *Options) { o.Checkpointer = writer })

	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{
		req("w1", tools.WriteFileName, map[string]any{"file_path": "a.txt", "content": "x"}),
	}))
	require.Equal(t, StatusAwaitingApproval, h.call(t, "w1").Status)
	assert.EqualValues(t, 1, snaps.asked.Load())

	require.NoError(t, h.s.Resolve("w1", OutcomeProceedOnce, nil))
	c := h.waitStatus(t, "w1", StatusSuccess)
	assert.Equal(t, "wrote a.txt", responsePayload(t, c)["output"])
	assert.Nil(t, c.Response.Err)

	entries, err := os.ReadDir(writer.CheckpointDir())
	if !errors.Is(err, os.ErrNotExist) {
		require.NoError(t, err)
	}
	assert.Empty(t, entries, "no checkpoint without a commit hash")
}

func TestCancelDuringExecution(t *testing.T) {
	tool := &fakeTool{name: "slow", release: make(chan struct{})}
	h := newHarness(t, fakeRegistry{"slow": tool}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.s.Schedule(ctx, []chat.ToolCallRequest{req("c1", "slow", nil)}))
	assert.Equal(t, StatusExecuting, h.call(t, "c1").Status)
	cancel()

	c := h.waitStatus(t, "c1", StatusCancelled)
	assert.Equal(t, cancelledMessage, responsePayload(t, c)["error"])
	assert.ErrorIs(t, c.Response.Err, ErrCancelled)
}

func TestCancelDuringExecutionToolIgnoresContext(t *testing.T) {
	tool := &fakeTool{name: "write", mutates: true, output: "done", release: make(chan struct{}), ignoreCtx: true}
	h := newHarness(t, fakeRegistry{"write": tool}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.s.Schedule(ctx, []chat.ToolCallRequest{req("c1", "write", nil)}))
	require.Eventually(t, func() bool { return tool.running.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	close(tool.release)

	c := h.waitStatus(t, "c1", StatusCancelled)
	assert.Equal(t, cancelledMessage, responsePayload(t, c)["error"])
	assert.ErrorIs(t, c.Response.Err, ErrCancelled)
	require.Eventually(t, func() bool { return h.completed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	tool := &fakeTool{name: "write", mutates: true}
	h := newHarness(t, fakeRegistry{"write": tool}, fakePolicy{"write": permission.DecisionAsk})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.s.Schedule(ctx, []chat.ToolCallRequest{req("c1", "write", nil)}))
	cancel()

	c := h.waitStatus(t, "c1", StatusCancelled)
	assert.Equal(t, cancelledMessage, responsePayload(t, c)["error"])
	assert.ErrorIs(t, h.s.Resolve("c1", OutcomeProceedOnce, nil), ErrInvalidTransition)
}

func TestScheduleErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     chat.ToolCallRequest
		policy  fakePolicy
		wantMsg string
		wantErr error
	}{
		{
			name:    "unknown tool",
			req:     req("c1", "missing", nil),
			wantMsg: `Tool "missing" not found in registry.`,
			wantErr: ErrToolNotFound,
		},
		{
			name:    "invalid args",
			req:     req("c1", "read", map[string]any{"bad": true}),
			wantErr: tools.ErrInvalidArgs,
		},
		{
			name:    "denied",
			req:     req("c1", "read", nil),
			policy:  fakePolicy{"read": permission.DecisionDeny},
			wantMsg: "Tool call blocked by policy: test rule",
			wantErr: ErrDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakeRegistry{"read": &fakeTool{name: "read"}}, tt.policy)
			require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{tt.req}))
			c := h.call(t, "c1")
			require.Equal(t, StatusError, c.Status)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, responsePayload(t, c)["error"])
			}
			assert.ErrorIs(t, c.Response.Err, tt.wantErr)
			assert.Equal(t, int32(1), h.completed.Load())
		})
	}
}

func TestValidationErrorIsTyped(t *testing.T) {
	h := newHarness(t, fakeRegistry{}, nil)
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "nope", nil)}))
	var verr *ValidationError
	require.True(t, errors.As(h.call(t, "c1").Response.Err, &verr))
	assert.Equal(t, "nope", verr.Tool)
}

func TestExecutionErrorIsReported(t *testing.T) {
	h := newHarness(t, fakeRegistry{"fail": &fakeTool{name: "fail", err: errors.New("disk full")}}, nil)
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "fail", nil)}))
	c := h.waitStatus(t, "c1", StatusError)
	assert.Equal(t, "disk full", responsePayload(t, c)["error"])
	var eerr *ExecutionError
	assert.True(t, errors.As(c.Response.Err, &eerr))
}

func TestMarkSubmittedIsIdempotent(t *testing.T) {
	slow := &fakeTool{name: "slow", release: make(chan struct{})}
	fast := &fakeTool{name: "fast", output: "x"}
	h := newHarness(t, fakeRegistry{"slow": slow, "fast": fast}, nil)

	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{
		req("a", "fast", nil),
		req("b", "slow", nil),
	}))
	h.waitStatus(t, "a", StatusSuccess)

	h.s.MarkSubmitted("a", "b", "unknown")
	assert.True(t, h.call(t, "a").ResponseSubmitted)
	assert.False(t, h.call(t, "b").ResponseSubmitted, "non-terminal calls are not marked")

	h.s.MarkSubmitted("a")
	assert.True(t, h.call(t, "a").ResponseSubmitted)

	close(slow.release)
	h.waitStatus(t, "b", StatusSuccess)
	h.s.MarkSubmitted("b")
	assert.True(t, h.call(t, "b").ResponseSubmitted)
}

func TestResolveErrors(t *testing.T) {
	h := newHarness(t, fakeRegistry{"read": &fakeTool{name: "read"}}, nil)
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "read", nil)}))
	h.waitStatus(t, "c1", StatusSuccess)

	assert.ErrorIs(t, h.s.Resolve("zzz", OutcomeProceedOnce, nil), ErrUnknownCall)
	assert.ErrorIs(t, h.s.Resolve("c1", OutcomeProceedOnce, nil), ErrInvalidTransition)
}

func TestResolveModifyWithArgs(t *testing.T) {
	tool := &fakeTool{name: "edit", mutates: true, output: "done"}
	h := newHarness(t, fakeRegistry{"edit": tool}, fakePolicy{"edit": permission.DecisionAsk})
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "edit", map[string]any{"v": "old"})}))

	var verr *ValidationError
	require.True(t, errors.As(h.s.Resolve("c1", OutcomeModifyWithArgs, map[string]any{"bad": 1}), &verr))
	assert.Equal(t, StatusAwaitingApproval, h.call(t, "c1").Status)

	require.NoError(t, h.s.Resolve("c1", OutcomeModifyWithArgs, map[string]any{"v": "new"}))
	c := h.waitStatus(t, "c1", StatusSuccess)
	assert.Equal(t, "new", c.Request.Args["v"])
	assert.JSONEq(t, `{"v":"new"}`, tool.args())
}

func TestResolveProceedAlways(t *testing.T) {
	var got []string
	h := newHarness(t, fakeRegistry{"shell": &fakeTool{name: "shell"}}, fakePolicy{"shell": permission.DecisionAsk},
		func(o *Options) {
			o.OnProceedAlways = func(c TrackedCall) { got = append(got, c.Request.Name) }
		})
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "shell", nil)}))
	require.NoError(t, h.s.Resolve("c1", OutcomeProceedAlways, nil))
	h.waitStatus(t, "c1", StatusSuccess)
	assert.Equal(t, []string{"shell"}, got)
}

func TestMaxParallelBoundsExecution(t *testing.T) {
	tool := &fakeTool{name: "slow", release: make(chan struct{})}
	h := newHarness(t, fakeRegistry{"slow": tool}, nil, func(o *Options) { o.MaxParallel = 1 })
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{
		req("a", "slow", nil),
		req("b", "slow", nil),
		req("c", "slow", nil),
	}))
	require.Eventually(t, func() bool { return tool.running.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(tool.release)
	for _, id := range []string{"a", "b", "c"} {
		h.waitStatus(t, id, StatusSuccess)
	}
	assert.Equal(t, int32(1), tool.peak.Load())
}

func TestLiveOutputAndDisplay(t *testing.T) {
	tool := &fakeTool{name: "shell", stream: []string{"one\n", "two\n"}, release: make(chan struct{}), output: "final"}
	h := newHarness(t, fakeRegistry{"shell": tool}, nil)
	require.NoError(t, h.s.Schedule(context.Background(), []chat.ToolCallRequest{req("c1", "shell", map[string]any{"command": "x"})}))

	require.Eventually(t, func() bool { return h.call(t, "c1").LiveOutput == "one\ntwo\n" }, time.Second, 5*time.Millisecond)
	d := Display(h.call(t, "c1"))
	assert.Equal(t, history.ToolExecuting, d.Status)
	assert.Equal(t, "one\ntwo\n", d.ResultDisplay)
	assert.Equal(t, "Fake shell", d.Name)

	close(tool.release)
	c := h.waitStatus(t, "c1", StatusSuccess)
	assert.Empty(t, c.LiveOutput)
	d = Display(c)
	assert.Equal(t, history.ToolSuccess, d.Status)
	assert.Equal(t, "final", d.ResultDisplay)
}

func TestDisplayStatusMapping(t *testing.T) {
	want := map[Status]history.ToolStatus{
		StatusValidating:       history.ToolExecuting,
		StatusScheduled:        history.ToolPending,
		StatusAwaitingApproval: history.ToolConfirming,
		StatusExecuting:        history.ToolExecuting,
		StatusSuccess:          history.ToolSuccess,
		StatusCancelled:        history.ToolCanceled,
		StatusError:            history.ToolError,
	}
	for status, ds := range want {
		assert.Equal(t, ds, displayStatus(status), status)
	}

	unknown := Display(TrackedCall{Request: req("c1", "gone", map[string]any{"a": 1}), Status: StatusError})
	assert.Equal(t, "gone", unknown.Name)
	assert.JSONEq(t, `{"a":1}`, unknown.Description)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(StatusValidating, StatusScheduled))
	assert.True(t, canTransition(StatusAwaitingApproval, StatusExecuting))
	assert.False(t, canTransition(StatusSuccess, StatusExecuting))
	assert.False(t, canTransition(StatusCancelled, StatusSuccess))
	assert.False(t, canTransition(StatusAwaitingApproval, StatusSuccess))
	// the batch signal may fire before a call reaches approval or execution
	assert.True(t, canTransition(StatusValidating, StatusCancelled))
	assert.True(t, canTransition(StatusScheduled, StatusCancelled))
	assert.False(t, canTransition(StatusValidating, StatusSuccess))
	assert.False(t, canTransition(StatusScheduled, StatusSuccess))
	for _, s := range []Status{StatusSuccess, StatusError, StatusCancelled} {
		assert.True(t, s.Terminal())
	}
}
