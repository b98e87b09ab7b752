package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// ChainStore is an in-memory implementation of storage.ChainStore.
type ChainStore struct {
	mu     sync.RWMutex
	chains map[int64]*domain.Chain
}

// NewChainStore creates a new in-memory chain store.
func NewChainStore() *ChainStore {
	return &ChainStore{
		chains: make(map[int64]*domain.Chain),
	}
}

var _ storage.ChainStore = (*ChainStore)(nil)

// Insert adds a new chain. Returns ErrDuplicateKey if the ID exists.
func (s *ChainStore) Insert(_ context.Context, c *domain.Chain) error {
	if c == nil || c.ID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.chains[c.ID]; exists {
		return storage.ErrDuplicateKey
	}

	chainCopy := *c
	s.chains[c.ID] = &chainCopy
	return nil
}

// GetByID retrieves a chain by ID. Returns ErrNotFound if not exists.
func (s *ChainStore) GetByID(_ context.Context, id int64) (*domain.Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.chains[id]
	if !exists {
		return nil, storage.ErrNotFound
	}

	chainCopy := *c
	return &chainCopy, nil
}

// GetAll retrieves all chains ordered by ID.
func (s *ChainStore) GetAll(_ context.Context) ([]*domain.Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Chain, 0, len(s.chains))
	for _, c := range s.chains {
		chainCopy := *c
		all = append(all, &chainCopy)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}
