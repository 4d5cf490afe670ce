package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"marshal result: %s"}`, err.Error())
	}
	return string(data)
}

func decodeArgs(tool string, args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%s args: %w", tool, err)
	}
	return nil
}

// resultField 从工具 JSON 输出中取一个字段，失败返回 nil。
// resultField extracts one field from a tool's JSON output; nil on failure.
func resultField(output, key string) any {
	var m map[string]any
	if err := json.Unmarshal([]byte(output), &m); err != nil {
		return nil
	}
	return m[key]
}

func resultString(output, key string) string {
	s, _ := resultField(output, key).(string)
	return s
}

func resultInt(output, key string) int {
	f, _ := resultField(output, key).(float64)
	return int(f)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if max > 0 && len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
