package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"streamagent/internal/bootstrap"
	"streamagent/internal/config"
	"streamagent/internal/repl"
)

const debugLogName = "debug.log"

func main() {
	var opts runOptions
	flag.StringVar(&opts.configPath, "config", "", "Path to config JSON/JSONC")
	flag.StringVar(&opts.workspace, "cwd", "", "Workspace root override")
	flag.StringVar(&opts.approvalMode, "approval-mode", "", "Approval mode: default, auto_edit or yolo")
	flag.StringVar(&opts.resumeID, "resume", "", "Resume a stored session by id")
	flag.StringVar(&opts.locale, "lang", "", "UI language (en, zh-CN); detected from the environment by default")
	flag.BoolVar(&opts.debug, "debug", false, "Write debug logs")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "streamagent: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath   string
	workspace    string
	approvalMode string
	resumeID     string
	locale       string
	debug        bool
}

func run(opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	closeLog, err := setupLogging(cfg.Storage.BaseDir, logLevel(opts.debug, cfg))
	if err != nil {
		return err
	}
	defer closeLog()

	root, err := resolveWorkspaceRoot(opts.workspace, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	res, err := bootstrap.Build(ctx, cfg, bootstrap.BuildOptions{
		WorkspaceRoot: root,
		ApprovalMode:  opts.approvalMode,
		ResumeID:      opts.resumeID,
		OnAuthError: func(err error) {
			fmt.Fprintf(os.Stderr, "\nauthentication failed: %v\ncheck provider.api_key or the API key environment variable\n", err)
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(context.Background()); err != nil {
			slog.Error("close session failed", "error", err)
		}
	}()

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	width := 0
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width = w
	}

	var in repl.LineInput
	if interactive {
		in, err = repl.NewReadlineInput(repl.PreviousInputs(ctx, res.Log, repl.HistorySeed))
		if err != nil {
			slog.Warn("line editor unavailable, using basic input", "error", err)
		}
	}
	if in == nil {
		in = repl.NewBasicLineInput(os.Stdin, promptWriter(interactive))
	}
	defer in.Close()

	loop := repl.NewLoop(res, repl.Options{
		In:          in,
		Out:         os.Stdout,
		Width:       width,
		Interactive: interactive,
		Locale:      opts.locale,
	})
	return loop.Run(ctx)
}

func resolveWorkspaceRoot(override string, cfg config.Config) (string, error) {
	root := strings.TrimSpace(override)
	if root == "" {
		root = strings.TrimSpace(cfg.Runtime.WorkspaceRoot)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve cwd: %w", err)
		}
		root = wd
	}
	return root, nil
}

func logLevel(debug bool, cfg config.Config) slog.Level {
	if debug || cfg.Logging.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// setupLogging sends slog output to <baseDir>/debug.log so the terminal
// only carries the transcript.
func setupLogging(baseDir string, level slog.Level) (func(), error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(baseDir, debugLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	return func() { _ = f.Close() }, nil
}

// promptWriter hides prompts when input is piped.
func promptWriter(interactive bool) io.Writer {
	if interactive {
		return os.Stdout
	}
	return io.Discard
}
