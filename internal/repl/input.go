package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// LineInput reads one line per call. Remember adds a line to the recall
// history; prompts such as approval answers are not remembered.
type LineInput interface {
	ReadLine(prompt string) (string, error)
	Remember(line string)
	Close() error
}

type basicLineInput struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewBasicLineInput reads lines from in without line editing, for pipes.
func NewBasicLineInput(in io.Reader, out io.Writer) LineInput {
	return &basicLineInput{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

func (b *basicLineInput) ReadLine(prompt string) (string, error) {
	if b.out != nil {
		fmt.Fprint(b.out, prompt)
	}
	line, err := b.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *basicLineInput) Remember(string) {}

func (b *basicLineInput) Close() error { return nil }

type readlineInput struct {
	instance *readline.Instance
}

// NewReadlineInput creates a line editor whose recall history is seeded with
// previous, oldest first.
func NewReadlineInput(previous []string) (LineInput, error) {
	instance, err := readline.NewEx(&readline.Config{
		Prompt:                 "> ",
		HistoryLimit:           1000,
		HistorySearchFold:      true,
		DisableAutoSaveHistory: true,
		InterruptPrompt:        "^C",
		EOFPrompt:              "exit",
	})
	if err != nil {
		return nil, err
	}
	r := &readlineInput{instance: instance}
	for _, line := range previous {
		r.Remember(line)
	}
	return r, nil
}

func (r *readlineInput) ReadLine(prompt string) (string, error) {
	r.instance.SetPrompt(prompt)
	return r.instance.Readline()
}

func (r *readlineInput) Remember(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	_ = r.instance.SaveHistory(line)
}

func (r *readlineInput) Close() error {
	if r == nil || r.instance == nil {
		return nil
	}
	return r.instance.Close()
}

// IsInterrupt reports whether err is a Ctrl+C at the line editor.
func IsInterrupt(err error) bool {
	return errors.Is(err, readline.ErrInterrupt)
}
