package loan

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	apps    map[string]*Application
	numbers map[string]string // application number -> id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:    make(map[string]*Application),
		numbers: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ID]; ok {
		return ErrConcurrentUpdate
	}
	if app.ApplicationNumber != "" {
		if _, taken := m.numbers[app.ApplicationNumber]; taken {
			return ErrDuplicateApplicationNumber
		}
		m.numbers[app.ApplicationNumber] = app.ID
	}
	m.apps[app.ID] = app.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return app.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, app *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.apps[app.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != app.Version {
		return ErrConcurrentUpdate
	}
	if n := app.ApplicationNumber; n != "" && n != cur.ApplicationNumber {
		if owner, taken := m.numbers[n]; taken && owner != app.ID {
			return ErrDuplicateApplicationNumber
		}
		m.numbers[n] = app.ID
	}

	app.Version++
	m.apps[app.ID] = app.Clone()
	return nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Application
	for _, a := range m.apps {
		if a.OwnerID == ownerID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Application
	for _, a := range m.apps {
		if a.Status == status {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return submittedBefore(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Drafts have no submission time and sort by creation.
func submittedBefore(a, b *Application) bool {
	ta, tb := a.CreatedAt, b.CreatedAt
	if a.SubmittedAt != nil {
		ta = *a.SubmittedAt
	}
	if b.SubmittedAt != nil {
		tb = *b.SubmittedAt
	}
	if ta.Equal(tb) {
		return a.ID < b.ID
	}
	return ta.Before(tb)
}
