// Package markdown holds helpers for splitting streamed markdown into
// independently renderable blocks.
package markdown

import "strings"

const fence = "```"

// FindLastSafeSplitPoint returns the byte offset of the last position at
// which text can be cut without breaking a fenced code block or an inline
// code span / bold run. len(text) means the whole text is safe to keep as a
// single block. If text ends inside an open fence, the offset of that fence
// is returned so the block stays intact.
func FindLastSafeSplitPoint(text string) int {
	if start := openFenceStart(text); start >= 0 {
		return start
	}

	pos := len(text)
	for {
		idx := strings.LastIndex(text[:pos], "\n\n")
		if idx == -1 {
			return len(text)
		}
		candidate := idx + 2
		if !InCodeBlock(text, candidate) && inlineBalanced(text[:candidate]) {
			return candidate
		}
		pos = idx
	}
}

// InCodeBlock reports whether pos falls inside an unclosed fenced block.
// Fences only count at the start of a line.
func InCodeBlock(text string, pos int) bool {
	if pos > len(text) {
		pos = len(text)
	}
	return len(fenceOffsets(text[:pos]))%2 == 1
}

// openFenceStart returns the offset of the fence opening a block that is
// still open at the end of text, or -1.
func openFenceStart(text string) int {
	offsets := fenceOffsets(text)
	if len(offsets)%2 == 0 {
		return -1
	}
	return offsets[len(offsets)-1]
}

func fenceOffsets(text string) []int {
	var out []int
	lineStart := 0
	for lineStart <= len(text) {
		end := strings.IndexByte(text[lineStart:], '\n')
		line := text[lineStart:]
		if end >= 0 {
			line = text[lineStart : lineStart+end]
		}
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), fence) {
			out = append(out, lineStart)
		}
		if end < 0 {
			break
		}
		lineStart += end + 1
	}
	return out
}

// inlineBalanced checks code spans and ** runs. Single * and _ are left
// alone since they show up in lists and identifiers.
func inlineBalanced(text string) bool {
	inBold := false
	for i := 0; i < len(text); {
		switch {
		case text[i] == '`':
			start := i
			for i < len(text) && text[i] == '`' {
				i++
			}
			ticks := text[start:i]
			if len(ticks) >= 3 {
				// fence line; fences are handled separately
				continue
			}
			closeIdx := strings.Index(text[i:], ticks)
			if closeIdx == -1 {
				return false
			}
			i += closeIdx + len(ticks)
		case strings.HasPrefix(text[i:], "**"):
			inBold = !inBold
			i += 2
		default:
			i++
		}
	}
	return !inBold
}
