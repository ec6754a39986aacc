package crawler

import (
	"context"
	"sync"
)

// MemorySeen is a Seen kept in process memory.
type MemorySeen struct {
	mu    sync.Mutex
	links map[string]map[string]struct{}
}

func NewMemorySeen() *MemorySeen {
	return &MemorySeen{links: make(map[string]map[string]struct{})}
}

func (m *MemorySeen) MarkSeen(_ context.Context, crawlID, link string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.links[crawlID]
	if !ok {
		set = make(map[string]struct{})
		m.links[crawlID] = set
	}
	if _, ok := set[link]; ok {
		return false, nil
	}
	set[link] = struct{}{}
	return true, nil
}
