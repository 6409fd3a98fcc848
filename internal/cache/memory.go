package cache

import (
	"context"
	"sync"
	"time"

	"github.com/akl7777777/imei-intel/internal/model"
)

// Memory is the in-process tier. Entries are held by value.
type Memory struct {
	mu    sync.RWMutex
	items map[string]model.CacheEntry
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]model.CacheEntry)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Load(_ context.Context, key string) (*model.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.items[key]
	if !ok {
		return nil, ErrMiss
	}
	out := e
	return &out, nil
}

func (m *Memory) Save(_ context.Context, key string, e *model.CacheEntry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = *e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

func (m *Memory) Size(context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory) Close() error { return nil }
