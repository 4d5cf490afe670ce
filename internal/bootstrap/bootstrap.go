package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"streamagent/internal/chat"
	"streamagent/internal/checkpoint"
	"streamagent/internal/client"
	"streamagent/internal/config"
	"streamagent/internal/contextmgr"
	"streamagent/internal/defaults"
	"streamagent/internal/history"
	"streamagent/internal/orchestrator"
	"streamagent/internal/permission"
	"streamagent/internal/provider"
	"streamagent/internal/scheduler"
	"streamagent/internal/security"
	"streamagent/internal/stats"
	"streamagent/internal/storage"
	"streamagent/internal/tools"
)

const dbFileName = "streamagent.db"

// BuildOptions 是命令行层传入的覆盖项
// BuildOptions carries command-line overrides.
type BuildOptions struct {
	WorkspaceRoot string
	// ApprovalMode overrides approval.mode when set.
	ApprovalMode string
	// ResumeID loads the model history of an earlier session.
	ResumeID string
	// OnAuthError is forwarded to the orchestrator.
	OnAuthError func(error)
}

// BuildResult 与 UI 无关的构建结果，供 main 构造 REPL
// BuildResult is UI-agnostic; main uses it to construct the REPL.
type BuildResult struct {
	Orch      *orchestrator.Orchestrator
	Store     storage.Store
	Log       *storage.Logger
	Chat      *client.Chat
	Policy    *permission.Policy
	Registry  *tools.Registry
	Workspace *security.Workspace
	Config    config.Config
	Resumed   int

	mu        sync.Mutex
	meta      storage.SessionMeta
	baseTurns int
	quit      chan struct{}
	once      sync.Once
}

// Build 按依赖顺序初始化；调用方负责 defer result.Close()
// Build initializes everything in dependency order; the caller must defer result.Close().
func Build(ctx context.Context, cfg config.Config, opts BuildOptions) (*BuildResult, error) {
	root, err := resolveWorkspaceRoot(cfg, opts.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}
	if opts.ApprovalMode != "" {
		mode, err := config.NormalizeApprovalMode(opts.ApprovalMode)
		if err != nil {
			return nil, err
		}
		cfg.Approval.Mode = mode
	}

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.Storage.BaseDir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	res := &BuildResult{
		Store:     store,
		Workspace: ws,
		Config:    cfg,
		quit:      make(chan struct{}),
	}
	if err := res.openSession(ctx, opts.ResumeID, opts.ApprovalMode != ""); err != nil {
		_ = store.Close()
		return nil, err
	}
	res.Log = storage.NewLogger(store, res.meta.ID)

	res.Policy = permission.New(cfg.Permission)
	shell := tools.NewShellTool(ws, cfg.Safety.CommandTimeoutMS, cfg.Safety.OutputLimitBytes)
	res.Registry = buildToolRegistry(cfg, ws, shell)

	assembler := contextmgr.New(defaults.DefaultSystemPrompt, ws.Root(), cfg.Memory.GlobalPath, cfg.Memory.InstructionFiles)
	assembler.MemoryFileName = cfg.Memory.FileName
	if _, err := assembler.Refresh(ctx); err != nil {
		slog.Warn("initial memory load failed", "error", err)
	}

	providerClient := provider.NewOpenAIProvider(provider.OpenAIConfig{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.Model,
		TimeoutMS:  cfg.Provider.TimeoutMS,
		MaxRetries: cfg.Provider.MaxRetries,
	})
	res.Chat = client.New(providerClient, client.Options{
		SystemInstruction:    assembler.SystemInstruction,
		Tools:                res.Registry.Definitions,
		TokenLimit:           cfg.Runtime.ContextTokenLimit,
		CompressionThreshold: cfg.Compaction.Threshold,
		AutoCompress:         cfg.Compaction.Auto,
		KeepRecent:           cfg.Compaction.RecentMessages,
		PruneToolOutputs:     cfg.Compaction.Prune,
	})
	if opts.ResumeID != "" {
		if err := res.resumeHistory(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	writer := buildCheckpointWriter(cfg, ws, res)
	res.Orch = orchestrator.New(orchestrator.Options{
		Client: res.Chat,
		Scheduler: scheduler.Options{
			Registry:        res.Registry,
			Policy:          res.Policy,
			Mode:            res.ApprovalMode,
			Checkpointer:    writer,
			OnProceedAlways: res.proceedAlways,
			OnAllComplete:   res.recordBatch,
			MaxParallel:     cfg.Safety.MaxParallelTools,
		},
		Stats:        stats.New(),
		Log:          res.Log,
		Memory:       assembler,
		Shell:        shell,
		Workspace:    ws,
		OnAuthError:  opts.OnAuthError,
		OnQuit:       res.signalQuit,
		StrictEvents: cfg.Runtime.DevelopmentMode,
	})
	slog.Debug("session ready", "session", res.meta.ID, "workspace", ws.Root(), "model", cfg.Provider.Model, "mode", cfg.Approval.Mode)
	return res, nil
}

// openSession creates a session record, or loads it when resuming. A resumed
// session keeps its approval mode unless one was given explicitly.
func (r *BuildResult) openSession(ctx context.Context, resumeID string, modeOverride bool) error {
	if resumeID != "" {
		meta, err := r.Store.LoadSession(ctx, resumeID)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		if modeOverride || meta.ApprovalMode == "" {
			meta.ApprovalMode = r.Config.Approval.Mode
		}
		r.meta = meta
		r.baseTurns = meta.TurnCount
		return nil
	}
	r.meta = storage.SessionMeta{
		ID:           storage.NewSessionID(),
		Model:        r.Config.Provider.Model,
		CWD:          r.Workspace.Root(),
		ApprovalMode: r.Config.Approval.Mode,
	}
	if err := r.Store.CreateSession(ctx, r.meta); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *BuildResult) resumeHistory(ctx context.Context) error {
	hist, err := r.Store.LoadHistory(ctx, r.meta.ID)
	if err != nil {
		return fmt.Errorf("load session history: %w", err)
	}
	r.Chat.SetHistory(hist)
	r.Resumed = len(hist)
	return nil
}

// Session returns a copy of the session record.
func (r *BuildResult) Session() storage.SessionMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// ApprovalMode 返回当前审批模式，调度器每次决策时读取
// ApprovalMode returns the current approval mode; the scheduler reads it for every decision.
func (r *BuildResult) ApprovalMode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta.ApprovalMode
}

// SetApprovalMode switches the approval mode for the rest of the session.
func (r *BuildResult) SetApprovalMode(mode string) (string, error) {
	norm, err := config.NormalizeApprovalMode(mode)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.meta.ApprovalMode = norm
	r.mu.Unlock()
	return norm, nil
}

// Quit is closed once /quit ran.
func (r *BuildResult) Quit() <-chan struct{} { return r.quit }

func (r *BuildResult) signalQuit() {
	r.once.Do(func() { close(r.quit) })
}

// Save persists the session record and the model history.
func (r *BuildResult) Save(ctx context.Context) error {
	r.mu.Lock()
	r.meta.Model = r.Chat.Model()
	r.meta.TurnCount = r.baseTurns + r.Orch.Stats().Snapshot().Cumulative.TurnCount
	meta := r.meta
	r.mu.Unlock()
	if err := r.Store.SaveSession(ctx, meta); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := r.Store.SaveHistory(ctx, meta.ID, r.Chat.History()); err != nil {
		return fmt.Errorf("save session history: %w", err)
	}
	return nil
}

// Close saves the session and closes the store.
func (r *BuildResult) Close(ctx context.Context) error {
	saveErr := r.Save(ctx)
	if err := r.Store.Close(); err != nil && saveErr == nil {
		return err
	}
	return saveErr
}

func buildCheckpointWriter(cfg config.Config, ws *security.Workspace, res *BuildResult) *checkpoint.Writer {
	dir := cfg.ProjectTempDir(ws.Root())
	return checkpoint.NewWriter(checkpoint.Options{
		Enabled:   cfg.Checkpointing.Enabled,
		Dir:       dir,
		Snapshots: checkpoint.NewGitSnapshotter(filepath.Join(dir, "history"), ws.Root()),
		History: func() []history.Item {
			return res.Orch.History()
		},
		ClientHistory: func() []chat.Content {
			return res.Chat.History()
		},
	})
}
