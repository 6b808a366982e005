package kyc

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, ownerID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	m.snaps[snap.OwnerID] = *snap
	m.mu.Unlock()
	return nil
}
