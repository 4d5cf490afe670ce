package defaults

import (
	"strings"
	"testing"
)

func TestDefaultSystemPrompt(t *testing.T) {
	if strings.TrimSpace(DefaultSystemPrompt) == "" {
		t.Fatal("DefaultSystemPrompt must be non-empty")
	}
	for _, tool := range []string{"read_file", "replace", "run_shell_command", "save_memory"} {
		if !strings.Contains(DefaultSystemPrompt, tool) {
			t.Fatalf("DefaultSystemPrompt does not mention %s", tool)
		}
	}
}
