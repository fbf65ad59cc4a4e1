package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process KV. Records are copied in and out so callers
// cannot alias stored bytes.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
}

// NewMemory creates an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, bucket, conversationID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.records[bucket][conversationID]
	if !ok {
		return nil, ErrNoRecord
	}
	return slices.Clone(data), nil
}

func (m *Memory) Set(_ context.Context, bucket, conversationID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.records[bucket] = b
	}
	b[conversationID] = slices.Clone(data)
	return nil
}

func (m *Memory) Delete(_ context.Context, bucket, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[bucket], conversationID)
	return nil
}

func (m *Memory) Conversations(_ context.Context, bucket string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records[bucket]))
	for id := range m.records[bucket] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

var _ KV = (*Memory)(nil)
