package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"streamagent/internal/chat"
	"streamagent/internal/history"
)

const (
	defaultMaxIncludeBytes = 256 * 1024
	maxIncludeFiles        = 100
	includeParallelism     = 8
	readManyFilesName      = "Read Many Files"
)

var errWalkLimit = errors.New("include limit reached")

// @ 后跟非空白字符；"\ " 表示路径中的空格。
var atPathPattern = regexp.MustCompile(`(^|\s)@((?:\\ |[^\s])+)`)

func hasAtPath(text string) bool {
	return atPathPattern.MatchString(text)
}

type atRef struct {
	token string // as written, including '@'
	path  string
}

func parseAtRefs(text string) []atRef {
	var refs []atRef
	for _, m := range atPathPattern.FindAllStringSubmatch(text, -1) {
		raw := m[2]
		refs = append(refs, atRef{token: "@" + raw, path: strings.ReplaceAll(raw, `\ `, " ")})
	}
	return refs
}

type includedFile struct {
	rel     string
	content string
}

// handleAtCommand 读取 @path 引用的文件，并把内容附加到发送给模型的请求中。
// handleAtCommand reads the files named by @path references and appends
// their content to the request. Paths outside the workspace or missing
// paths are skipped; a read failure aborts the turn.
func (o *Orchestrator) handleAtCommand(ctx context.Context, text string, ts time.Time) ([]chat.Part, bool) {
	o.hist.Add(history.Item{Kind: history.KindUser, Text: text}, ts)
	if o.opts.Workspace == nil {
		return []chat.Part{chat.TextPart(text)}, true
	}

	query := text
	var paths []string
	seen := make(map[string]bool)
	for _, ref := range parseAtRefs(text) {
		resolved, err := o.opts.Workspace.Resolve(ref.path)
		if err != nil {
			slog.Debug("skipping @ reference", "path", ref.path, "error", err)
			continue
		}
		found, err := expandPath(resolved)
		if err != nil {
			slog.Debug("skipping @ reference", "path", ref.path, "error", err)
			continue
		}
		query = strings.Replace(query, ref.token, o.opts.Workspace.Rel(resolved), 1)
		for _, p := range found {
			if !seen[p] && len(paths) < maxIncludeFiles {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return []chat.Part{chat.TextPart(text)}, true
	}

	files := make([]includedFile, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(includeParallelism)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := readIncluded(p, o.opts.MaxIncludeBytes)
			if err != nil {
				return fmt.Errorf("read %s: %w", o.opts.Workspace.Rel(p), err)
			}
			files[i] = includedFile{rel: o.opts.Workspace.Rel(p), content: content}
			return nil
		})
	}

	rels := make([]string, len(paths))
	for i, p := range paths {
		rels[i] = o.opts.Workspace.Rel(p)
	}
	display := history.ToolDisplay{
		CallID:      fmt.Sprintf("client-read-%d", ts.UnixMilli()),
		Name:        readManyFilesName,
		Description: strings.Join(rels, ", "),
	}
	if err := g.Wait(); err != nil {
		display.Status = history.ToolError
		display.ResultDisplay = fmt.Sprintf("Error reading files (%s): %v", strings.Join(rels, ", "), err)
		o.hist.Add(history.Item{Kind: history.KindToolGroup, Tools: []history.ToolDisplay{display}}, ts)
		return nil, false
	}
	display.Status = history.ToolSuccess
	display.ResultDisplay = "Successfully read: " + strings.Join(rels, ", ")
	o.hist.Add(history.Item{Kind: history.KindToolGroup, Tools: []history.ToolDisplay{display}}, ts)

	parts := []chat.Part{chat.TextPart(query), chat.TextPart("\n--- Content from referenced files ---")}
	for _, f := range files {
		parts = append(parts, chat.TextPart(fmt.Sprintf("\nContent from @%s:\n", f.rel)), chat.TextPart(f.content))
	}
	parts = append(parts, chat.TextPart("\n--- End of content ---"))
	return parts, true
}

// expandPath returns the file itself, or every regular file below a directory.
func expandPath(resolved string) ([]string, error) {
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{resolved}, nil
	}
	var out []string
	err = doublestar.GlobWalk(os.DirFS(resolved), "**", func(p string, d fs.DirEntry) error {
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != "." {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			out = append(out, filepath.Join(resolved, filepath.FromSlash(p)))
		}
		if len(out) >= maxIncludeFiles {
			return errWalkLimit
		}
		return nil
	})
	if errors.Is(err, errWalkLimit) {
		err = nil
	}
	return out, err
}

func readIncluded(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", err
	}
	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
	}
	if !utf8.Valid(data) && !truncated {
		return "[binary file skipped]", nil
	}
	if truncated {
		return string(data) + "\n[truncated]", nil
	}
	return string(data), nil
}
