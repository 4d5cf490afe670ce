package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"streamagent/internal/chat"
	"streamagent/internal/security"
)

var errMatchLimit = errors.New("match limit reached")

type GrepTool struct {
	ws *security.Workspace
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func NewGrepTool(ws *security.Workspace) *GrepTool {
	return &GrepTool{ws: ws}
}

func (t *GrepTool) Name() string {
	return SearchName
}

func (t *GrepTool) DisplayName() string {
	return "SearchText"
}

func (t *GrepTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Search file contents with a regular expression, recursively.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
					"include": map[string]any{
						"type":        "string",
						"description": "Glob filter on file names, e.g. *.go or *.{ts,tsx}.",
					},
					"max_matches": map[string]any{"type": "integer"},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

type grepArgs struct {
	Pattern    string `json:"pattern"`
	Path       string `json:"path"`
	Include    string `json:"include"`
	MaxMatches int    `json:"max_matches"`
}

func (t *GrepTool) Describe(args json.RawMessage) string {
	var in grepArgs
	_ = json.Unmarshal(args, &in)
	desc := "'" + in.Pattern + "'"
	if in.Path != "" {
		desc += " within " + t.ws.Rel(in.Path)
	}
	if in.Include != "" {
		desc += " (filter: " + in.Include + ")"
	}
	return desc
}

func (t *GrepTool) ValidateArgs(args json.RawMessage) error {
	var in grepArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return errors.New("search pattern is empty")
	}
	if _, err := regexp.Compile(in.Pattern); err != nil {
		return fmt.Errorf("invalid regular expression: %w", err)
	}
	if in.Include != "" && !doublestar.ValidatePattern(in.Include) {
		return fmt.Errorf("invalid include pattern: %s", in.Include)
	}
	return nil
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in grepArgs
	if err := decodeArgs(t.Name(), args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return "", errors.New("search pattern is empty")
	}
	if in.MaxMatches <= 0 {
		in.MaxMatches = 200
	}

	root, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}

	matches := make([]grepMatch, 0, 16)

	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if in.Include != "" {
			if ok, err := doublestar.Match(in.Include, d.Name()); err != nil || !ok {
				return nil
			}
		}
		ok, err := isTextFile(path)
		if err != nil || !ok {
			return nil
		}
		return grepFile(path, re, t.ws, &matches, in.MaxMatches)
	})
	if walkErr != nil && !errors.Is(walkErr, errMatchLimit) {
		return "", fmt.Errorf("walk files: %w", walkErr)
	}

	return mustJSON(map[string]any{
		"ok":        true,
		"pattern":   in.Pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": errors.Is(walkErr, errMatchLimit),
	}), nil
}

func (t *GrepTool) DisplayResult(output string) string {
	n := resultInt(output, "count")
	if n == 0 {
		return "No matches found"
	}
	return fmt.Sprintf("Found %d match(es)", n)
}

// grepFile appends matches of re in path; errMatchLimit stops the walk.
func grepFile(path string, re *regexp.Regexp, ws *security.Workspace, matches *[]grepMatch, max int) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	rel := ws.Rel(path)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		*matches = append(*matches, grepMatch{Path: rel, Line: lineNo, Text: line})
		if len(*matches) >= max {
			return errMatchLimit
		}
	}
	return nil
}

func isTextFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 2048)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return !bytes.Contains(buf[:n], []byte{0}), nil
}
