// Package i18n holds the REPL's message catalogs.
package i18n

import (
	"fmt"
	"os"
	"strings"
)

// Catalog 按 locale 查找界面文案；英文为 fallback
// Catalog looks up UI strings for one locale, falling back to English.
type Catalog struct {
	locale   string
	messages map[string]string
}

// New builds the catalog for locale. An empty locale is detected from the
// environment.
func New(locale string) *Catalog {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = DetectLocale()
	}
	locale = normalizeLocale(locale)

	c := &Catalog{
		locale:   locale,
		messages: make(map[string]string, len(enMessages)),
	}
	for k, v := range enMessages {
		c.messages[k] = v
	}
	if locale == "zh-CN" {
		for k, v := range zhCNMessages {
			c.messages[k] = v
		}
	}
	return c
}

// T 翻译；缺失的 key 原样返回
// T translates key, formatting args into it. Unknown keys come back as is.
func (c *Catalog) T(key string, args ...any) string {
	tmpl, ok := c.messages[key]
	if !ok {
		return key
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

func (c *Catalog) Locale() string {
	return c.locale
}

// DetectLocale reads STREAMAGENT_LANG, then the POSIX variables in their
// precedence order.
func DetectLocale() string {
	for _, env := range []string{"STREAMAGENT_LANG", "LC_ALL", "LC_MESSAGES", "LANG"} {
		v := strings.TrimSpace(os.Getenv(env))
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		return normalizeLocale(v)
	}
	return "en"
}

func normalizeLocale(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "en"
	}
	// 去掉 .UTF-8 等后缀 / drop .UTF-8 and @modifier suffixes
	if idx := strings.IndexAny(s, ".@"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "_", "-")
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "zh"):
		return "zh-CN"
	case strings.HasPrefix(lower, "en"):
		return "en"
	}
	return s
}
