package client

import (
	"regexp"
	"strings"
)

var subjectPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

// parseThought takes the most recent **Subject** heading of the reasoning
// so far and the text after it as description.
func parseThought(reasoning string) (ThoughtEvent, bool) {
	matches := subjectPattern.FindAllStringSubmatchIndex(reasoning, -1)
	if len(matches) == 0 {
		return ThoughtEvent{}, false
	}
	last := matches[len(matches)-1]
	return ThoughtEvent{
		Subject:     strings.TrimSpace(reasoning[last[2]:last[3]]),
		Description: strings.TrimSpace(reasoning[last[1]:]),
	}, true
}
