package store

import (
	"context"
	"sync"
)

// MemoryKV is an in-process KV used by tests and ephemeral clients.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

var _ KV = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// GetValue returns the value stored under key.
func (m *MemoryKV) GetValue(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// SetValue creates or replaces the value stored under key.
func (m *MemoryKV) SetValue(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
