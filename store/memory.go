package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps everything in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
	closed  bool
	feed    *feed
}

func NewMemoryStore(area string) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]json.RawMessage),
		feed:    newFeed(area),
	}
}

func (m *MemoryStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	result := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			result[k] = clone(v)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetAll(_ context.Context) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	result := make(map[string]json.RawMessage, len(m.entries))
	for k, v := range m.entries {
		result[k] = clone(v)
	}
	return result, nil
}

func (m *MemoryStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	entries, err := normalize(entries)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	changes := changesForSet(m.entries, entries)
	for k, v := range entries {
		m.entries[k] = clone(v)
	}
	m.feed.publish(OriginFrom(ctx), changes)
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[k]; ok {
			old[k] = v
			delete(m.entries, k)
		}
	}
	m.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old := m.entries
	m.entries = make(map[string]json.RawMessage)
	m.feed.publish(OriginFrom(ctx), changesForRemove(old))
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context) (<-chan ChangeSet, func()) {
	return m.feed.subscribe(ctx)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.feed.close()
	return nil
}
