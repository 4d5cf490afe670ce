package history

import (
	"sync"
	"time"
)

// Manager is the append-only committed transcript.
type Manager struct {
	mu       sync.RWMutex
	items    []Item
	lastID   int64
	onChange func()
}

// NewManager returns an empty transcript. onChange, if set, is called
// after every mutation without the lock held.
func NewManager(onChange func()) *Manager {
	return &Manager{onChange: onChange}
}

// Add commits item and returns the ID it was given. IDs derive from ts and
// are strictly increasing even when several items share a timestamp.
func (m *Manager) Add(item Item, ts time.Time) int64 {
	m.mu.Lock()
	id := ts.UnixMilli()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id
	item.ID = id
	if item.CreatedAt.IsZero() {
		item.CreatedAt = ts
	}
	m.items = append(m.items, item.Clone())
	m.mu.Unlock()

	m.changed()
	return id
}

// Items returns a snapshot of the transcript.
func (m *Manager) Items() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, len(m.items))
	for i, it := range m.items {
		out[i] = it.Clone()
	}
	return out
}

// Len returns the number of committed items.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear drops all items. IDs keep increasing.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
	m.changed()
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
