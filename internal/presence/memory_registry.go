package presence

import (
	"context"
	"sync"
)

// MemoryRegistry is the single-process Registry used when no Redis URL is
// configured.
type MemoryRegistry struct {
	mu   sync.Mutex
	docs map[string]map[string]Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{docs: make(map[string]map[string]Record)}
}

func (m *MemoryRegistry) SetPresence(_ context.Context, documentID, connectionID string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.docs[documentID]
	if !ok {
		conns = make(map[string]Record)
		m.docs[documentID] = conns
	}
	conns[connectionID] = copyRecord(record)
	return nil
}

func (m *MemoryRegistry) UpdateCursor(_ context.Context, documentID, connectionID string, cursor Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.docs[documentID][connectionID]
	if !ok {
		return ErrNotPresent
	}
	record.Cursor = &cursor
	m.docs[documentID][connectionID] = record
	return nil
}

func (m *MemoryRegistry) RemovePresence(_ context.Context, documentID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.docs[documentID]
	if !ok {
		return nil
	}
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(m.docs, documentID)
	}
	return nil
}

func (m *MemoryRegistry) ListPresence(_ context.Context, documentID string) (map[string]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.docs[documentID]))
	for id, record := range m.docs[documentID] {
		out[id] = copyRecord(record)
	}
	return out, nil
}

func (m *MemoryRegistry) Ping(context.Context) error { return nil }

func (m *MemoryRegistry) Close() error { return nil }

func copyRecord(r Record) Record {
	if r.Cursor != nil {
		c := *r.Cursor
		r.Cursor = &c
	}
	return r
}
