package sale

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory sale store for development mode and tests.
type MemoryStore struct {
	sales map[string]*Sale
	saves int
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory sale store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sales: make(map[string]*Sale),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sales[id]
	if !ok {
		return nil, ErrSaleNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, sale *Sale) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sales[sale.ID] = sale.Clone()
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
