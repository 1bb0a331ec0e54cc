package cache

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/store"
)

// Memory is a process local Collections cache. The whole cache is dropped
// once ttl has passed since it was last reset.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	resetAt time.Time
	entries map[string][]store.CollectionInfo
}

// NewMemory creates a cache whose entries live at most ttl.
func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		ttl:     ttl,
		now:     now,
		resetAt: now(),
		entries: make(map[string][]store.CollectionInfo),
	}
}

func (m *Memory) expire() {
	if now := m.now(); now.After(m.resetAt.Add(m.ttl)) {
		m.entries = make(map[string][]store.CollectionInfo)
		m.resetAt = now
	}
}

// Get implements Collections.
func (m *Memory) Get(_ context.Context, token string) ([]store.CollectionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire()
	list, ok := m.entries[HashKey(token)]
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]store.CollectionInfo(nil), list...), nil
}

// Set implements Collections.
func (m *Memory) Set(_ context.Context, token string, collections []store.CollectionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire()
	m.entries[HashKey(token)] = append([]store.CollectionInfo(nil), collections...)
	return nil
}

// Len returns the number of cached listings.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
