package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/carepay/healthcredit/internal/idgen"
	"github.com/carepay/healthcredit/internal/pagination"
)

// ErrConcurrentUpdate means the card changed between snapshot and commit.
var ErrConcurrentUpdate = errors.New("health card was modified concurrently")

// MemoryStore is an in-memory Store for development and tests. Cards and the
// transaction log share one lock, so a commit is seen all at once.
type MemoryStore struct {
	mu    sync.RWMutex
	cards map[string]*HealthCard
	txns  map[string]*Transaction
	order []string          // transaction ids in commit order
	idem  map[string]string // cardID + "\x00" + key -> transaction id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards: make(map[string]*HealthCard),
		txns:  make(map[string]*Transaction),
		idem:  make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func idemKey(cardID, key string) string { return cardID + "\x00" + key }

func (m *MemoryStore) CreateCard(_ context.Context, card *HealthCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[card.ID]; ok {
		return ErrCardExists
	}
	c := *card
	m.cards[card.ID] = &c
	return nil
}

func (m *MemoryStore) GetCard(_ context.Context, id string) (*HealthCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCardsByOwner(_ context.Context, ownerID string) ([]*HealthCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*HealthCard
	for _, c := range m.cards {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListCards(_ context.Context, afterID string, limit int) ([]*HealthCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.cards))
	for id := range m.cards {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*HealthCard, len(ids))
	for i, id := range ids {
		cp := *m.cards[id]
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByCard(_ context.Context, cardID string, page pagination.Page) ([]*Transaction, error) {
	return m.list(func(t *Transaction) bool { return t.CardID == cardID }, page), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string, page pagination.Page) ([]*Transaction, error) {
	return m.list(func(t *Transaction) bool { return t.OwnerID == ownerID }, page), nil
}

func (m *MemoryStore) list(match func(*Transaction) bool, page pagination.Page) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, id := range m.order {
		t := m.txns[id]
		if match(t) && page.After.Before(t.CreatedAt, t.ID) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out
}

func (m *MemoryStore) ListAllByCard(_ context.Context, cardID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, id := range m.order {
		if t := m.txns[id]; t.CardID == cardID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) FindByKey(_ context.Context, ownerID, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.txns {
		if t.OwnerID == ownerID && t.IdempotencyKey == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

// WithCard runs fn on a snapshot and commits the staged result if the card
// has not changed in the meantime. Callers serialize per card, so the version
// check only fires if that discipline is broken.
func (m *MemoryStore) WithCard(ctx context.Context, cardID string, fn func(CardTx) error) error {
	m.mu.RLock()
	c, ok := m.cards[cardID]
	var snapshot HealthCard
	if ok {
		snapshot = *c
	}
	m.mu.RUnlock()
	if !ok {
		return ErrCardNotFound
	}

	tx := &memoryCardTx{store: m, card: snapshot}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.next == nil && len(tx.appended) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.cards[cardID]
	if cur.Version != snapshot.Version {
		return ErrConcurrentUpdate
	}
	for _, t := range tx.appended {
		if t.IdempotencyKey == "" {
			continue
		}
		if _, dup := m.idem[idemKey(cardID, t.IdempotencyKey)]; dup {
			return ErrIdempotencyConflict
		}
	}

	if tx.next != nil {
		next := *tx.next
		next.Version = cur.Version + 1
		m.cards[cardID] = &next
	}
	for _, t := range tx.appended {
		m.txns[t.ID] = t
		m.order = append(m.order, t.ID)
		if t.IdempotencyKey != "" {
			m.idem[idemKey(cardID, t.IdempotencyKey)] = t.ID
		}
	}
	return nil
}

type memoryCardTx struct {
	store    *MemoryStore
	card     HealthCard
	next     *HealthCard
	appended []*Transaction
}

func (t *memoryCardTx) Card() *HealthCard {
	if t.next != nil {
		cp := *t.next
		return &cp
	}
	cp := t.card
	return &cp
}

func (t *memoryCardTx) Put(card *HealthCard) {
	cp := *card
	t.next = &cp
}

func (t *memoryCardTx) Replay(key string) (*Transaction, error) {
	for _, a := range t.appended {
		if a.IdempotencyKey == key {
			cp := *a
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.idem[idemKey(t.card.ID, key)]
	if !ok {
		return nil, nil
	}
	cp := *t.store.txns[id]
	return &cp, nil
}

func (t *memoryCardTx) Append(txn *Transaction) (string, error) {
	if txn.ID == "" {
		txn.ID = idgen.WithPrefix(idgen.PrefixTransaction)
	}
	cp := *txn
	t.appended = append(t.appended, &cp)
	return txn.ID, nil
}
