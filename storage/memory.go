package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/huykn/tagsync/types"
)

// MemoryQuoteStore is an in-process QuoteStore.
type MemoryQuoteStore struct {
	mu     sync.RWMutex
	quotes map[string]types.Quote
}

// NewMemoryQuoteStore creates an empty store.
func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[string]types.Quote)}
}

// Create stores a new pending quote.
func (ms *MemoryQuoteStore) Create(_ context.Context, items []types.QuoteItem, ownerEmail string) (types.Quote, error) {
	q, err := newQuote(items, ownerEmail)
	if err != nil {
		return types.Quote{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.quotes[q.ID] = q
	return q, nil
}

// Get returns the quote with the given id.
func (ms *MemoryQuoteStore) Get(_ context.Context, id string) (types.Quote, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	q, ok := ms.quotes[id]
	if !ok {
		return types.Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	return q, nil
}

// Price moves a pending quote to priced.
func (ms *MemoryQuoteStore) Price(_ context.Context, id string, prices []decimal.Decimal) (types.Quote, error) {
	return ms.update(id, func(q *types.Quote) error { return applyPrice(q, prices) })
}

// Reject moves a pending quote to rejected.
func (ms *MemoryQuoteStore) Reject(_ context.Context, id string) (types.Quote, error) {
	return ms.update(id, applyReject)
}

// Close is a no-op.
func (ms *MemoryQuoteStore) Close() error {
	return nil
}

func (ms *MemoryQuoteStore) update(id string, fn func(*types.Quote) error) (types.Quote, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	q, ok := ms.quotes[id]
	if !ok {
		return types.Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	if err := fn(&q); err != nil {
		return types.Quote{}, err
	}
	ms.quotes[id] = q
	return q, nil
}
