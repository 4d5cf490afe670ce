// Package stats accumulates token and API time usage for a session.
package stats

import (
	"fmt"
	"sync"
	"time"

	"streamagent/internal/chat"
)

// Metrics is one accumulator.
type Metrics struct {
	TurnCount int `json:"turnCount"`
	chat.UsageMetadata
}

func (m *Metrics) add(u chat.UsageMetadata) {
	m.PromptTokenCount += u.PromptTokenCount
	m.CandidatesTokenCount += u.CandidatesTokenCount
	m.TotalTokenCount += u.TotalTokenCount
	m.CachedContentTokenCount += u.CachedContentTokenCount
	m.ToolUsePromptTokenCount += u.ToolUsePromptTokenCount
	m.ThoughtsTokenCount += u.ThoughtsTokenCount
	m.APITimeMS += u.APITimeMS
}

// Snapshot is a copy of all accumulators.
type Snapshot struct {
	SessionStart    time.Time `json:"sessionStartTime"`
	Cumulative      Metrics   `json:"cumulative"`
	CurrentTurn     Metrics   `json:"currentTurn"`
	CurrentResponse Metrics   `json:"currentResponse"`
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu   sync.Mutex
	snap Snapshot
	now  func() time.Time
}

// New starts a session at the current time.
func New() *Aggregator {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(now func() time.Time) *Aggregator {
	return &Aggregator{snap: Snapshot{SessionStart: now()}, now: now}
}

// AddUsage adds u to the cumulative and current-turn accumulators and
// replaces the current-response accumulator with u alone.
func (a *Aggregator) AddUsage(u chat.UsageMetadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.Cumulative.add(u)
	a.snap.CurrentTurn.add(u)
	a.snap.CurrentResponse = Metrics{}
	a.snap.CurrentResponse.add(u)
}

// StartNewTurn counts a turn and zeroes the per-turn accumulators.
func (a *Aggregator) StartNewTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap.Cumulative.TurnCount++
	a.snap.CurrentTurn = Metrics{}
	a.snap.CurrentResponse = Metrics{}
}

// Snapshot returns a copy of the accumulators.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Elapsed is the time since the session started.
func (a *Aggregator) Elapsed() time.Duration {
	a.mu.Lock()
	start := a.snap.SessionStart
	a.mu.Unlock()
	return a.now().Sub(start)
}

// FormatDuration renders d as "850ms", "12.3s" or "1h 4m 5s".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	default:
		return fmt.Sprintf("%dm %ds", m, s)
	}
}
