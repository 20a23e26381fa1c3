package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps generations in process memory. It is safe for
// concurrent use.
type MemoryBackend struct {
	mu          sync.RWMutex
	generations map[string]map[Key]Entry
	active      string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{generations: make(map[string]map[Key]Entry)}
}

// Commit implements Backend.
func (m *MemoryBackend) Commit(ctx context.Context, generation string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries := make(map[Key]Entry, len(records))
	for _, r := range records {
		e := r.Entry
		e.Header = e.Header.Clone()
		e.Body = append([]byte(nil), e.Body...)
		entries[r.Key] = e
	}
	m.mu.Lock()
	m.generations[generation] = entries
	m.mu.Unlock()
	return nil
}

// Lookup implements Backend.
func (m *MemoryBackend) Lookup(_ context.Context, generation string, key Key) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.generations[generation][key]
	return e, ok, nil
}

// Generations implements Backend.
func (m *MemoryBackend) Generations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, generation string) error {
	m.mu.Lock()
	delete(m.generations, generation)
	if m.active == generation {
		m.active = ""
	}
	m.mu.Unlock()
	return nil
}

// SetActive implements Backend.
func (m *MemoryBackend) SetActive(_ context.Context, generation string) error {
	m.mu.Lock()
	m.active = generation
	m.mu.Unlock()
	return nil
}

// Active implements Backend.
func (m *MemoryBackend) Active(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }
