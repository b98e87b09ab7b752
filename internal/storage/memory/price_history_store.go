package memory

import (
	"context"
	"sync"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// PriceHistoryStore is an in-memory implementation of storage.PriceHistoryStore.
type PriceHistoryStore struct {
	mu      sync.RWMutex
	entries []*domain.PriceUpdated
}

// NewPriceHistoryStore creates a new in-memory price history store.
func NewPriceHistoryStore() *PriceHistoryStore {
	return &PriceHistoryStore{}
}

var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)

// RecordBatch appends one entry per event.
func (s *PriceHistoryStore) RecordBatch(_ context.Context, events []*domain.PriceUpdated) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if e == nil {
			return storage.ErrInvalidInput
		}
		entry := *e
		s.entries = append(s.entries, &entry)
	}
	return nil
}

// Entries returns a copy of all recorded entries in append order.
func (s *PriceHistoryStore) Entries() []*domain.PriceUpdated {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.PriceUpdated, 0, len(s.entries))
	for _, e := range s.entries {
		entry := *e
		out = append(out, &entry)
	}
	return out
}
