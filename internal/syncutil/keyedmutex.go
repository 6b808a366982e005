package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex is a per-key mutex that grants the lock to waiters in the order
// they arrived. Entries are created on first use and dropped once no holder
// or waiter remains, so memory is bounded by the number of keys in flight.
type KeyedMutex struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
}

type keyQueue struct {
	held    bool
	waiters []chan struct{}
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{queues: make(map[string]*keyQueue)}
}

// Lock blocks until the caller holds the lock for key or ctx is done.
// The returned unlock function must be called exactly once; extra calls are no-ops.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &keyQueue{}
		m.queues[key] = q
	}
	if !q.held {
		q.held = true
		m.mu.Unlock()
		return m.unlocker(key), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.unlocker(key), nil
	case <-ctx.Done():
	}

	// Handoff happens under m.mu, so checking ch here cannot race with release.
	m.mu.Lock()
	select {
	case <-ch:
		m.mu.Unlock()
		m.release(key)
		return nil, ctx.Err()
	default:
	}
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil, ctx.Err()
}

// Waiters reports how many callers are queued behind the current holder of key.
func (m *KeyedMutex) Waiters(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		return len(q.waiters)
	}
	return 0
}

func (m *KeyedMutex) unlocker(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { m.release(key) }) }
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next) // ownership passes directly; held stays true
		return
	}
	delete(m.queues, key)
}
