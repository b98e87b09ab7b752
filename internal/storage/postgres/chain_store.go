package postgres

import (
	"context"
	"fmt"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// ChainStore implements storage.ChainStore using PostgreSQL.
type ChainStore struct {
	pool *Pool
}

// NewChainStore creates a new ChainStore.
func NewChainStore(pool *Pool) *ChainStore {
	return &ChainStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ChainStore = (*ChainStore)(nil)

// Insert adds a new chain. Returns ErrDuplicateKey if the ID exists.
func (s *ChainStore) Insert(ctx context.Context, c *domain.Chain) error {
	if c == nil || c.ID == 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO chains (id, name) VALUES ($1, $2)`, c.ID, c.Name)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert chain: %w", err)
	}
	return nil
}

// GetByID retrieves a chain by ID. Returns ErrNotFound if not exists.
func (s *ChainStore) GetByID(ctx context.Context, id int64) (*domain.Chain, error) {
	var c domain.Chain
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM chains WHERE id = $1`, id).Scan(&c.ID, &c.Name)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get chain by id: %w", err)
	}
	return &c, nil
}

// GetAll retrieves all chains ordered by ID.
func (s *ChainStore) GetAll(ctx context.Context) ([]*domain.Chain, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM chains ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("get all chains: %w", err)
	}
	defer rows.Close()

	var all []*domain.Chain
	for rows.Next() {
		var c domain.Chain
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		all = append(all, &c)
	}
	return all, rows.Err()
}
