package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"streamagent/internal/contextmgr"
)

var memoryRefreshingText = fmt.Sprintf("Refreshing hierarchical memory (%s or other context files)...", contextmgr.DefaultMemoryFileName)

// refreshMemory reloads memory files and reports the outcome in the transcript.
func (o *Orchestrator) refreshMemory(ctx context.Context, ts time.Time) {
	if o.opts.Memory == nil {
		return
	}
	o.addInfo(memoryRefreshingText, ts)
	res, err := o.opts.Memory.Refresh(ctx)
	if err != nil {
		slog.Warn("memory refresh failed", "error", err)
		o.addError("Error refreshing memory: "+err.Error(), ts)
		return
	}
	if n := utf8.RuneCountInString(res.Content); n > 0 {
		o.addInfo(fmt.Sprintf("Memory refreshed successfully. Loaded %d characters from %d file(s).", n, res.FileCount), ts)
		return
	}
	o.addInfo("Memory refreshed successfully. No memory content found.", ts)
}
