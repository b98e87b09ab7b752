package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// TokenStore is an in-memory implementation of storage.TokenStore.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*domain.Token // keyed by token ID
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*domain.Token),
	}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// Insert adds a new token. Returns ErrDuplicateKey if the ID exists.
func (s *TokenStore) Insert(_ context.Context, t *domain.Token) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.ID]; exists {
		return storage.ErrDuplicateKey
	}

	tokenCopy := *t
	s.tokens[t.ID] = &tokenCopy
	return nil
}

// StreamBatches returns a cursor over all tokens in ascending ID order.
func (s *TokenStore) StreamBatches(_ context.Context, batchSize int) storage.TokenBatches {
	return &tokenBatches{store: s, batchSize: batchSize}
}

// tokenBatches walks the store by last-seen ID, mirroring the keyset
// traversal of the Postgres implementation.
type tokenBatches struct {
	store     *TokenStore
	batchSize int
	cursor    string
	done      bool
}

func (b *tokenBatches) Next(_ context.Context) ([]*domain.Token, error) {
	if b.done || b.batchSize <= 0 {
		return nil, nil
	}

	b.store.mu.RLock()
	ids := make([]string, 0, len(b.store.tokens))
	for id := range b.store.tokens {
		if id > b.cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > b.batchSize {
		ids = ids[:b.batchSize]
	}

	batch := make([]*domain.Token, 0, len(ids))
	for _, id := range ids {
		tokenCopy := *b.store.tokens[id]
		batch = append(batch, &tokenCopy)
	}
	b.store.mu.RUnlock()

	if len(batch) < b.batchSize {
		b.done = true
	}
	if len(batch) > 0 {
		b.cursor = batch[len(batch)-1].ID
	}
	return batch, nil
}

// SaveBatch persists price state for every token in the batch. The in-memory
// twin applies all rows under one lock, matching the transactional contract.
func (s *TokenStore) SaveBatch(_ context.Context, tokens []*domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tokens {
		if t == nil || t.ID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.tokens[t.ID]; !exists {
			return storage.ErrNotFound
		}
	}

	for _, t := range tokens {
		stored := s.tokens[t.ID]
		stored.CurrentPrice = t.CurrentPrice
		stored.PriceUpdatedAt = t.PriceUpdatedAt
	}
	return nil
}

// FindPage retrieves a display page ordered by display_priority DESC, id ASC.
func (s *TokenStore) FindPage(_ context.Context, limit, offset int) ([]*domain.Token, error) {
	if limit < 0 || offset < 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokenCopy := *t
		all = append(all, &tokenCopy)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].DisplayPriority != all[j].DisplayPriority {
			return all[i].DisplayPriority > all[j].DisplayPriority
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// Count returns the total number of tokens.
func (s *TokenStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens), nil
}

// LastPriceUpdate returns the most recent price_updated_at across all tokens.
func (s *TokenStore) LastPriceUpdate(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tokens) == 0 {
		return time.Time{}, storage.ErrNotFound
	}

	var last time.Time
	for _, t := range s.tokens {
		if t.PriceUpdatedAt.After(last) {
			last = t.PriceUpdatedAt
		}
	}
	return last, nil
}

// DistinctChainCount returns the number of distinct chains with tokens.
func (s *TokenStore) DistinctChainCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chains := make(map[int64]struct{})
	for _, t := range s.tokens {
		chains[t.ChainID] = struct{}{}
	}
	return len(chains), nil
}
